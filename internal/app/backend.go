package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/nuetzliches/sbinspect/internal/config"
	"github.com/nuetzliches/sbinspect/internal/queue"
	"github.com/nuetzliches/sbinspect/internal/secrets"
)

// backendFlags are shared by serve and the one-shot message commands.
type backendFlags struct {
	fs          *flag.FlagSet
	configPath  *string
	backend     *string
	dbPath      *string
	postgresDSN *string
	logLevel    *string
	dotenv      *string
}

func addBackendFlags(fs *flag.FlagSet) *backendFlags {
	return &backendFlags{
		fs:          fs,
		configPath:  fs.String("config", defaultConfigPath, "path to config file"),
		backend:     fs.String("backend", "", "override backend kind (memory|sqlite|postgres)"),
		dbPath:      fs.String("db", "", "sqlite db file (implies --backend sqlite)"),
		postgresDSN: fs.String("postgres-dsn", "", "postgres DSN or secret ref (implies --backend postgres)"),
		logLevel:    fs.String("log-level", "", "log level (debug|info|warn|error); defaults to observability.log_level"),
		dotenv:      fs.String("dotenv", "", "load environment variables from file (dev only)"),
	}
}

func (f *backendFlags) isSet(name string) bool {
	set := false
	f.fs.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			set = true
		}
	})
	return set
}

// loadConfig loads the dotenv file, then reads and compiles the config. A
// missing file at the default path yields the built-in defaults so the
// message commands work with flags alone.
func (f *backendFlags) loadConfig() (config.Compiled, []string, error) {
	if p := strings.TrimSpace(*f.dotenv); p != "" {
		if err := loadDotenv(p); err != nil {
			return config.Compiled{}, nil, fmt.Errorf("dotenv: %w", err)
		}
	}

	cfg, err := readConfigFile(*f.configPath, !f.isSet("config"))
	if err != nil {
		return config.Compiled{}, nil, err
	}
	compiled, res := config.Compile(cfg)
	if !res.OK {
		return config.Compiled{}, nil, errors.New(config.FormatValidationText(res))
	}
	if err := f.applyOverrides(&compiled.Backend); err != nil {
		return config.Compiled{}, nil, err
	}
	return compiled, res.Warnings, nil
}

func readConfigFile(path string, optional bool) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return &config.Config{}, nil
		}
		return nil, err
	}
	return config.Parse(data)
}

func (f *backendFlags) applyOverrides(b *config.BackendConfig) error {
	kindSet := f.isSet("backend")
	if kindSet {
		kind := strings.ToLower(strings.TrimSpace(*f.backend))
		switch kind {
		case config.BackendMemory, config.BackendSQLite, config.BackendPostgres:
		default:
			return fmt.Errorf("invalid --backend %q (use: memory|sqlite|postgres)", *f.backend)
		}
		if kind != b.Kind {
			b.Kind = kind
			b.Path = ""
			b.DSN = ""
		}
	}

	if p := strings.TrimSpace(*f.dbPath); p != "" {
		if kindSet && b.Kind != config.BackendSQLite {
			return errors.New("--db requires --backend sqlite")
		}
		b.Kind = config.BackendSQLite
		b.Path = p
		b.DSN = ""
	}
	if dsn := strings.TrimSpace(*f.postgresDSN); dsn != "" {
		if kindSet && b.Kind != config.BackendPostgres {
			return errors.New("--postgres-dsn requires --backend postgres")
		}
		if *f.dbPath != "" {
			return errors.New("--db and --postgres-dsn are mutually exclusive")
		}
		b.Kind = config.BackendPostgres
		b.DSN = dsn
		b.Path = ""
	}

	switch b.Kind {
	case config.BackendSQLite:
		if b.Path == "" {
			b.Path = config.DefaultSQLitePath
		}
	case config.BackendPostgres:
		if b.DSN == "" {
			return errors.New("postgres backend requires a DSN (backend.dsn or --postgres-dsn)")
		}
	}
	return nil
}

func (f *backendFlags) logger(compiled config.Compiled) (*slog.Logger, func(), error) {
	level := strings.TrimSpace(*f.logLevel)
	if level == "" {
		level = compiled.Observability.LogLevel
	}
	l, closer, err := newLoggerToSink(level, compiled.Observability.LogOutput, compiled.Observability.LogPath)
	if err != nil {
		return nil, nil, err
	}
	release := func() {}
	if closer != nil {
		release = func() { _ = closer.Close() }
	}
	return l, release, nil
}

func openStore(b config.BackendConfig) (queue.Store, error) {
	switch b.Kind {
	case config.BackendMemory, "":
		return queue.NewMemoryStore(
			queue.WithLeaseTTL(b.LeaseTTL),
			queue.WithMaxDeliveryCount(b.MaxDeliveryCount),
		), nil
	case config.BackendSQLite:
		return queue.NewSQLiteStore(b.Path,
			queue.WithSQLiteLeaseTTL(b.LeaseTTL),
			queue.WithSQLiteMaxDeliveryCount(b.MaxDeliveryCount),
			queue.WithSQLitePollInterval(b.PollInterval),
		)
	case config.BackendPostgres:
		dsn, err := secrets.Resolve(b.DSN)
		if err != nil {
			return nil, fmt.Errorf("backend.dsn: %w", err)
		}
		return queue.NewPostgresStore(dsn,
			queue.WithPostgresLeaseTTL(b.LeaseTTL),
			queue.WithPostgresMaxDeliveryCount(b.MaxDeliveryCount),
			queue.WithPostgresPollInterval(b.PollInterval),
		)
	default:
		return nil, fmt.Errorf("unsupported backend %q", b.Kind)
	}
}

// provisionEntities creates the declared entities. Existing ones are left
// untouched.
func provisionEntities(ctx context.Context, p queue.Provisioner, entities []queue.Entity, logger *slog.Logger) error {
	for _, e := range entities {
		var err error
		if e.IsSubscription() {
			err = p.CreateSubscription(ctx, e.Topic, e.Subscription)
		} else {
			err = p.CreateQueue(ctx, e.Queue)
		}
		if err != nil && !errors.Is(err, queue.ErrEntityExists) {
			return fmt.Errorf("provision %s: %w", e.Path(), err)
		}
		logger.Debug("entity_provisioned", slog.String("entity", e.Path()))
	}
	return nil
}
