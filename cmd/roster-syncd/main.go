package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/flant/roster-sync/internal/config"
	"github.com/flant/roster-sync/internal/reconcile"
)

const (
	configFlagName     = "config"
	databaseFlagName   = "database"
	logLevelFlagName   = "log-level"
	logJSONFlagName    = "log-json"
	dryRunFlagName     = "dry-run"
	workersFlagName    = "workers"
	onlyMemberFlagName = "only-member"
	directoryFlagName  = "directory"

	directoryLDAP   = "ldap"
	directoryMemory = "memory"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "roster-syncd full|latest",
		Short: "Synchronize the membership roster into the directory",
		Long: `Synchronize the membership roster into the directory.

  full     reconcile every contact of the roster
  latest   reconcile contacts changed since the last successful sync

Configure run by a YAML file (--config, optional roster-sync.yaml by default)
or environment variables:
ROSTER_API_KEY, ROSTER_ACCOUNT_ID                // roster service credentials
LDAP_URL, LDAP_BIND_DN, LDAP_BIND_PASSWORD       // example: ldaps://dc1.example.com:636
LDAP_BASE_DN, LDAP_USERS_OU                      // example: OU=Members,DC=example,DC=com
CLOUD_TENANT_ID, CLOUD_CLIENT_ID, CLOUD_CLIENT_SECRET, CLOUD_EXTENSION_APP_ID
CLOUD_ISSUER                                     // example: example.onmicrosoft.com
DATABASE                                         // example: /var/lib/roster-sync/roster-sync.db
Flags can also be set as ROSTER_SYNC_<FLAG>, e.g. ROSTER_SYNC_DRY_RUN=true.
`,
		Args:          cobra.ExactValidArgs(1),
		ValidArgs:     []string{string(reconcile.ModeFull), string(reconcile.ModeLatest)},
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := reconcile.ParseMode(args[0])
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			return runSync(cmd.Context(), v, mode)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP(configFlagName, "c", "", fmt.Sprintf("path to the configuration file, %s is read when present", config.DefaultConfigFile))
	flags.String(databaseFlagName, "", "path to the sync checkpoint database, overrides the config file")
	flags.String(logLevelFlagName, "info", "log level: trace, debug, info, warn or error")
	flags.Bool(logJSONFlagName, false, "write logs as JSON")
	cmd.Flags().Bool(dryRunFlagName, false, "read from the directory but only log the writes")
	cmd.Flags().Int(workersFlagName, 1, "number of records reconciled concurrently")
	cmd.Flags().Int64(onlyMemberFlagName, 0, "reconcile only the roster contact with this id")
	cmd.Flags().String(directoryFlagName, directoryLDAP, "directory backend: ldap or memory")

	bindFlags(v, cmd.PersistentFlags(), cmd.Flags())

	cmd.AddCommand(newPushPasswordCmd(v))

	return cmd
}

func bindFlags(v *viper.Viper, sets ...*pflag.FlagSet) {
	v.SetEnvPrefix("ROSTER_SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, set := range sets {
		_ = v.BindPFlags(set)
	}
}

func newLogger(v *viper.Viper) (hclog.Logger, error) {
	level := hclog.LevelFromString(v.GetString(logLevelFlagName))
	if level == hclog.NoLevel {
		return nil, fmt.Errorf("unknown log level %q", v.GetString(logLevelFlagName))
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       "roster-syncd",
		Level:      level,
		JSONFormat: v.GetBool(logJSONFlagName),
		Output:     os.Stderr,
	}), nil
}

func loadConfig(v *viper.Viper) (config.Config, error) {
	cfg, err := config.LoadConfig(v.GetString(configFlagName))
	if err != nil {
		return config.Config{}, err
	}
	if path := v.GetString(databaseFlagName); path != "" {
		cfg.DatabasePath = path
	}
	return cfg, nil
}
