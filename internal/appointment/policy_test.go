package appointment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	assert.Equal(t, StatusApproved, Decide(RoleInternal))
	assert.Equal(t, StatusPending, Decide(RoleExternal))
}

func TestDecideReschedule(t *testing.T) {
	assert.Equal(t, StatusPending, DecideReschedule(RoleExternal, RoleExternal))
	assert.Equal(t, StatusApproved, DecideReschedule(RoleInternal, RoleInternal))
	assert.Equal(t, StatusApproved, DecideReschedule(RoleAdmin, RoleExternal))
}

func TestParseRole(t *testing.T) {
	tests := map[string]Role{
		"internal":      RoleInternal,
		"Internal User": RoleInternal,
		"external_user": RoleExternal,
		" admin ":       RoleAdmin,
	}
	for in, want := range tests {
		got, err := ParseRole(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseRole("director")
	assert.Error(t, err)
}
