package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"passgate.org/internal/config"
	"passgate.org/internal/migrate"
)

const commandTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "passgate-migrate",
		Short:         "Apply the passgate PostgreSQL schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("dsn", "", "PostgreSQL DSN (env PASSGATE_POSTGRES_DSN)")
	root.PersistentFlags().String("seeds", "", "directory of *.sql seed files")
	cobra.CheckErr(v.BindPFlag("postgres_dsn", root.PersistentFlags().Lookup("dsn")))
	cobra.CheckErr(v.BindPFlag("seeds", root.PersistentFlags().Lookup("seeds")))

	withManager := func(fn func(ctx context.Context, m *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			dsn := v.GetString("postgres_dsn")
			if dsn == "" {
				return errors.New("missing DSN: provide via --dsn or PASSGATE_POSTGRES_DSN")
			}
			db, err := sql.Open("pgx", dsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()

			var opts []migrate.Option
			if dir := v.GetString("seeds"); dir != "" {
				opts = append(opts, migrate.WithSeeds(os.DirFS(dir)))
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			return fn(ctx, migrate.NewManager(db, nil, opts...))
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
				applied, err := m.Up(ctx)
				for _, name := range applied {
					fmt.Println("applied", name)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
				name, err := m.Down(ctx)
				if err != nil {
					return err
				}
				fmt.Println("rolled back", name)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migrations",
			RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
				history, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, item := range history {
					fmt.Println(item)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Apply seed files from --seeds",
			RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
				return m.Seed(ctx)
			}),
		},
	)
	return root
}
