package main

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/viper"

	"github.com/flant/roster-sync/internal/cloud"
	"github.com/flant/roster-sync/internal/config"
	"github.com/flant/roster-sync/internal/db/sqlite"
	"github.com/flant/roster-sync/internal/directory"
	"github.com/flant/roster-sync/internal/directory/ldap"
	"github.com/flant/roster-sync/internal/directory/memory"
	"github.com/flant/roster-sync/internal/reconcile"
	"github.com/flant/roster-sync/internal/roster"
)

func runSync(ctx context.Context, v *viper.Viper, mode reconcile.Mode) error {
	logger, err := newLogger(v)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	backend := v.GetString(directoryFlagName)
	if err := cfg.Validate(backend == directoryLDAP); err != nil {
		return err
	}

	rosterCfg, err := cfg.Roster.ClientConfig()
	if err != nil {
		return err
	}

	checkpoint, err := sqlite.NewCheckpointDatabase(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open checkpoint database: %w", err)
	}
	defer checkpoint.Close()

	if err := checkpoint.Migrate(); err != nil {
		return fmt.Errorf("migrate checkpoint database: %w", err)
	}

	dir, closeDir, err := openDirectory(ctx, backend, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDir()

	dryRun := v.GetBool(dryRunFlagName)
	if dryRun {
		dir = directory.NewDryRun(dir, logger)
	}

	var secondary reconcile.Secondary
	switch {
	case !cfg.Cloud.ClientConfig().Enabled():
		logger.Info("no cloud tenant configured, secondary store is not synchronized")
	case dryRun:
		logger.Info("dry run, secondary store is not synchronized")
	default:
		c := cloud.NewClient(ctx, cfg.Cloud.ClientConfig(), logger)
		secondary = reconcile.NewSecondarySyncer(c, c.Issuer(), logger)
	}

	// neither backend leaves a trace in the real directory
	readOnly := dryRun || backend == directoryMemory
	if readOnly {
		logger.Info("writes do not reach the directory, checkpoint is kept")
	}

	runnerCfg := reconcile.RunnerConfig{Workers: v.GetInt(workersFlagName), ReadOnly: readOnly}
	if id := v.GetInt64(onlyMemberFlagName); id != 0 {
		logger.Info(fmt.Sprintf("only contact %d is reconciled", id))
		runnerCfg.Filter = reconcile.OnlyMember(id)
	}

	runner := reconcile.NewRunner(
		roster.NewClient(rosterCfg, logger),
		checkpoint,
		reconcile.NewEngine(dir, secondary, cfg.Fields, logger),
		runnerCfg,
		logger,
	)

	_, err = runner.Run(ctx, mode)
	return err
}

func openDirectory(ctx context.Context, backend string, cfg config.Config, logger hclog.Logger) (directory.Directory, func(), error) {
	switch backend {
	case directoryLDAP:
		session, err := ldap.Open(ctx, cfg.Directory.SessionConfig(), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open directory session: %w", err)
		}
		return session, session.Close, nil
	case directoryMemory:
		logger.Warn("using the in-memory directory, nothing outlives this run")
		dir, err := memory.NewDirectory()
		if err != nil {
			return nil, nil, err
		}
		return dir, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown directory backend %q", backend)
}
