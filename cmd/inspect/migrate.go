package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/scaninspect/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the jobs database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBareDB(func(d *db.DB) error {
			if err := d.MigrateUp(db.Migrations()); err != nil {
				return err
			}
			return printMigrationStatus(cmd, d)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back one migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBareDB(func(d *db.DB) error {
			if err := d.MigrateDown(db.Migrations()); err != nil {
				return err
			}
			return printMigrationStatus(cmd, d)
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current and latest schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBareDB(func(d *db.DB) error {
			return printMigrationStatus(cmd, d)
		})
	},
}

var migrateForceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Set the schema version without running migrations",
	Long: `Set the recorded schema version and clear the dirty flag without
running any migration. Use it after fixing a failed migration by hand.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return withBareDB(func(d *db.DB) error {
			if err := d.MigrateForce(db.Migrations(), v); err != nil {
				return err
			}
			return printMigrationStatus(cmd, d)
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd, migrateForceCmd)
}

// withBareDB opens the database without migrating it.
func withBareDB(fn func(*db.DB) error) error {
	d, err := db.OpenDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DBPath, err)
	}
	defer d.Close()
	return fn(d)
}

func printMigrationStatus(cmd *cobra.Command, d *db.DB) error {
	st, err := d.MigrateStatus(db.Migrations())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "current: %d\nlatest:  %d\n", st.Current, st.Latest)
	if st.Dirty {
		fmt.Fprintf(out, "dirty:   true (fix the schema, then run 'inspect migrate force %d')\n", st.Current)
	}
	if n := st.Pending(); n > 0 {
		fmt.Fprintf(out, "pending: %d\n", n)
	}
	return nil
}
