package main

import (
	"fmt"
	"strconv"

	"github.com/sethvargo/go-password/password"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flant/roster-sync/internal/roster"
)

func newPushPasswordCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "push-password <contact-id>",
		Short: "Generate a password and store it on a roster contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contactID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || contactID <= 0 {
				return fmt.Errorf("invalid contact id %q", args[0])
			}
			cmd.SilenceUsage = true

			logger, err := newLogger(v)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if err := cfg.Validate(false); err != nil {
				return err
			}

			rosterCfg, err := cfg.Roster.ClientConfig()
			if err != nil {
				return err
			}

			secret, err := password.Generate(16, 4, 2, false, true)
			if err != nil {
				return err
			}

			client := roster.NewClient(rosterCfg, logger)
			if err := client.PutContactPassword(cmd.Context(), contactID, secret); err != nil {
				return err
			}

			logger.Info(fmt.Sprintf("password of contact %d updated", contactID))
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	}
}
