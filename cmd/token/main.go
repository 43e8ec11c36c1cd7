package main

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hackgods/slot-allocation/internal/api"
	"github.com/hackgods/slot-allocation/internal/appointment"
)

// token prints a bearer token for local testing against a non-dev server.
func main() {
	_ = godotenv.Load()
	env := viper.New()
	env.AutomaticEnv()

	var (
		secret  string
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 bearer token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := appointment.ParseRole(role)
			if err != nil {
				return err
			}

			token, err := api.IssueToken(secret, subject, r, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&secret, "secret", env.GetString("JWT_SECRET"), "signing secret, defaults to JWT_SECRET")
	cmd.Flags().StringVar(&subject, "sub", "", "requester id")
	cmd.Flags().StringVar(&role, "role", "external", "internal, external or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
