package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hackgods/slot-allocation/internal/config"
)

func TestOpen_SQLite(t *testing.T) {
	be, err := Open(context.Background(), config.Config{StoreDriver: "sqlite", SQLitePath: ":memory:"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer be.Close()

	assert.Equal(t, "sqlite", be.Name)
	assert.NoError(t, be.Store.Ping(context.Background()))
}
