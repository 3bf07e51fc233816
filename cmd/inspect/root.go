package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/scaninspect/internal/blobstore"
	"github.com/banshee-data/scaninspect/internal/config"
	"github.com/banshee-data/scaninspect/internal/converter"
	"github.com/banshee-data/scaninspect/internal/db"
	"github.com/banshee-data/scaninspect/internal/fsutil"
	"github.com/banshee-data/scaninspect/internal/httputil"
	"github.com/banshee-data/scaninspect/internal/inspection/storage/sqlite"
	"github.com/banshee-data/scaninspect/internal/monitoring"
	"github.com/banshee-data/scaninspect/internal/version"
)

// blobFetchTimeout bounds one signed-URL transfer.
const blobFetchTimeout = 5 * time.Minute

var (
	// cfg starts from SCANINSPECT_* variables; flags override it.
	cfg    config.ServiceConfig
	envErr error

	logger   = slog.Default()
	closeLog = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Compare 3D scans against reference geometry",
	Long: `Inspect aligns scanned point clouds to their CAD or mesh reference and
reports per-point deviations as metrics and a colored heatmap.

Every flag falls back to a SCANINSPECT_* environment variable, for example
SCANINSPECT_DB_PATH or SCANINSPECT_LOG_LEVEL.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envErr != nil {
			return envErr
		}
		level, err := monitoring.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger, closeLog = monitoring.SetupLogger(cfg.LogFile, level)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if err := closeLog(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: close log file: %v\n", err)
		}
	},
}

func init() {
	cfg, envErr = config.LoadServiceEnv(os.Getenv)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite jobs database")
	pf.StringVar(&cfg.BlobRoot, "blob-root", cfg.BlobRoot, "directory holding scans, references and results")
	pf.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "inspection config file (.json, .yaml)")
	pf.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "also write JSON logs to this file")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")

	rootCmd.AddCommand(serveCmd, runCmd, migrateCmd, jobsCmd, versionCmd)
}

// loadInspectionConfig reads path, or returns the built-in defaults when no
// file is configured.
func loadInspectionConfig(path string) (*config.InspectionConfig, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

// newBlobStore serves store keys from root and http(s) locations through
// signed URLs.
func newBlobStore(root string) *blobstore.Router {
	return &blobstore.Router{
		Local:  blobstore.NewFSStore(fsutil.OSFileSystem{}, root),
		Remote: blobstore.NewHTTPStore(httputil.NewStandardClient(nil, blobFetchTimeout), nil),
	}
}

// newConverter reads meshes natively and hands CAD files to command when
// one is configured.
func newConverter(command string) converter.Converter {
	mesh := converter.NewMeshConverter(fsutil.OSFileSystem{})
	var cad converter.Converter
	if command != "" {
		cad = &converter.CommandConverter{Args: converter.ParseCommand(command), Mesh: mesh}
	}
	return converter.NewDispatcher(mesh, cad)
}

// openStore opens the jobs database, migrating it to the latest schema.
func openStore(path string) (*db.DB, *sqlite.JobStore, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return database, sqlite.NewJobStore(database.DB, nil), nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}
