// Command migrate applies the SQL schema in migrations/ to the rules
// database.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/liamcoop/cartrules/internal/config"
	"github.com/liamcoop/cartrules/internal/logger"
)

// migrator is the subset of *migrate.Migrate the commands use.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (uint, bool, error)
	Force(version int) error
}

var flags struct {
	configFile     string
	databaseURL    string
	migrationsPath string
}

func main() {
	if err := newRootCmd(open).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// open connects to the database named by the flags or, failing that, by
// storage.database_url of the configuration.
func open() (migrator, io.Closer, error) {
	url := flags.databaseURL
	if url == "" {
		cfg, err := config.Load(flags.configFile)
		if err != nil {
			return nil, nil, err
		}
		url = cfg.Storage.DatabaseURL
	}
	if url == "" {
		return nil, nil, errors.New("database URL is required: use --database or CARTRULES_STORAGE_DATABASE_URL")
	}

	logger.Info("connecting to database", "migrations", flags.migrationsPath)
	m, err := migrate.New("file://"+flags.migrationsPath, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, closer{m}, nil
}

type closer struct{ m *migrate.Migrate }

func (c closer) Close() error {
	srcErr, dbErr := c.m.Close()
	return errors.Join(srcErr, dbErr)
}

func newRootCmd(open func() (migrator, io.Closer, error)) *cobra.Command {
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the cartrules database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "config file path")
	root.PersistentFlags().StringVar(&flags.databaseURL, "database", "", "database URL (overrides configuration)")
	root.PersistentFlags().StringVar(&flags.migrationsPath, "path", "migrations", "path to migrations directory")

	with := func(fn func(m migrator, args []string) error) func(*cobra.Command, []string) error {
		return func(_ *cobra.Command, args []string) error {
			m, c, err := open()
			if err != nil {
				return err
			}
			defer c.Close()
			return fn(m, args)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			Args:  cobra.NoArgs,
			RunE:  with(func(m migrator, _ []string) error { return up(m) }),
		},
		&cobra.Command{
			Use:   "down [N]",
			Short: "Roll back N migrations, or all of them",
			Args:  cobra.MaximumNArgs(1),
			RunE:  with(down),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return with(func(m migrator, _ []string) error {
					return version(m, cmd.OutOrStdout())
				})(cmd, nil)
			},
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Set the schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE:  with(force),
		},
	)
	return root
}

func up(m migrator) error {
	err := m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("no migrations to run, database is up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("migrations completed")
	return nil
}

func down(m migrator, args []string) error {
	var err error
	if len(args) == 0 {
		err = m.Down()
	} else {
		n, convErr := strconv.Atoi(args[0])
		if convErr != nil || n <= 0 {
			return fmt.Errorf("invalid step count %q", args[0])
		}
		err = m.Steps(-n)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	logger.Info("rollback completed")
	return nil
}

func version(m migrator, out io.Writer) error {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Fprintln(out, "no migrations applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	fmt.Fprintf(out, "version %d (dirty: %v)\n", v, dirty)
	return nil
}

func force(m migrator, args []string) error {
	v, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid version number: %w", err)
	}
	if err := m.Force(v); err != nil {
		return fmt.Errorf("failed to force version: %w", err)
	}
	logger.Info("forced schema version", "version", v)
	return nil
}
