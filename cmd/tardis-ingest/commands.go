package main

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/spf13/cobra"

	"github.com/txn2/tardis-ingest/internal/app"
	"github.com/txn2/tardis-ingest/pkg/checksum"
	"github.com/txn2/tardis-ingest/pkg/config"
	"github.com/txn2/tardis-ingest/pkg/database/migrate"
	"github.com/txn2/tardis-ingest/pkg/ingestion"
	"github.com/txn2/tardis-ingest/pkg/manifest"
	"github.com/txn2/tardis-ingest/pkg/mcpserver"
)

// Version is set at build time.
var Version = "dev"

// errUnsuccessful is returned when a run finished but left failures behind.
var errUnsuccessful = errors.New("ingestion finished with failures")

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "tardis-ingest",
		Short: "Match and ingest research data into the catalog",
		Long: `tardis-ingest matches projects, experiments, datasets and datafiles
described by manifests against the research-data catalog, creates what is
missing, and transfers new datafiles to storage.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "tardis-ingest.yaml", "Config file path")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config")

	cmd.AddCommand(
		ingestCmd(g),
		watchCmd(g),
		checksumCmd(),
		migrateCmd(g),
		serveCmd(g),
		versionCmd(),
	)
	return cmd
}

// setup loads the configuration and installs the logger.
func (g *globalFlags) setup(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Logging.Level
	if g.logLevel != "" {
		level = g.logLevel
	}
	logger := newLogger(stderr, level, cfg.Logging.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ingestCmd(g *globalFlags) *cobra.Command {
	var reportDir string
	cmd := &cobra.Command{
		Use:   "ingest <manifest|directory>...",
		Short: "Ingest manifests, in order",
		Long: `Ingest one or more manifests. Directories are searched with the watch
pattern and ignore globs. The transfer of each batch overlaps the metadata
phase of the next.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if reportDir != "" {
				cfg.Ingestion.ReportPath = reportDir
			}

			paths, err := expandPaths(args, cfg.Watch)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return errors.New("no manifests found")
			}

			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			reports, err := a.Ingest(cmd.Context(), paths)
			printReports(cmd.OutOrStdout(), reports)
			if err != nil {
				return err
			}
			for _, rep := range reports {
				if !rep.OK() {
					return errUnsuccessful
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "Write a JSON report per batch into this directory")
	return cmd
}

// expandPaths replaces directories with the manifests found inside them.
func expandPaths(args []string, w config.WatchConfig) ([]string, error) {
	var out []string
	for _, arg := range args {
		fi, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", arg, err)
		}
		if !fi.IsDir() {
			out = append(out, arg)
			continue
		}
		found, err := manifest.Discover(arg, w.Pattern, w.Ignore)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

func printReports(w io.Writer, reports []*ingestion.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SOURCE\tCREATED\tMATCHED\tBLOCKED\tFAILED\tSKIPPED\tTRANSFERRED\tTRANSFER FAILURES")
	for _, r := range reports {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.Source,
			r.Count(ingestion.OutcomeCreated),
			r.Count(ingestion.OutcomeMatched),
			r.Count(ingestion.OutcomeBlocked),
			r.Count(ingestion.OutcomeFailed),
			r.Count(ingestion.OutcomeSkipped),
			r.Transferred,
			len(r.TransferFailures),
		)
	}
	_ = tw.Flush()
}

func watchCmd(g *globalFlags) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Ingest manifests as they are dropped into a directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if dir != "" {
				cfg.Watch.Directory = dir
			}
			if cfg.Watch.Directory == "" {
				return errors.New("watch.directory is required")
			}

			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return a.Watch(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Drop directory; overrides watch.directory")
	return cmd
}

func checksumCmd() *cobra.Command {
	var blockSize int64
	cmd := &cobra.Command{
		Use:   "checksum <file>...",
		Short: "Print the MD5 digest and multipart ETag of files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			defer func() { _ = tw.Flush() }()
			for _, path := range args {
				sum, err := checksum.ContentHash(path)
				if err != nil {
					return err
				}
				tag, err := checksum.MultipartETag(path, blockSize)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", sum, tag, path)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&blockSize, "block-size", checksum.DefaultBlockSize, "Multipart block size in bytes")
	return cmd
}

func migrateCmd(g *globalFlags) *cobra.Command {
	var down bool
	var steps int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply audit ledger migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cfg.Audit.DSN == "" {
				return errors.New("audit.dsn is required")
			}
			db, err := sql.Open("postgres", cfg.Audit.DSN)
			if err != nil {
				return fmt.Errorf("opening audit database: %w", err)
			}
			defer func() { _ = db.Close() }()

			switch {
			case down:
				err = migrate.Down(db)
			case steps != 0:
				err = migrate.Steps(db, steps)
			default:
				err = migrate.Run(db)
			}
			if err != nil {
				return err
			}

			version, dirty, err := migrate.Version(db)
			if err != nil {
				return err
			}
			logger.Info("audit schema migrated", "version", version, "dirty", dirty)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Roll back every migration")
	cmd.Flags().IntVar(&steps, "steps", 0, "Apply n migrations, or roll back n when negative")
	return cmd
}

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the ingestion tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			policy, err := cfg.Ingestion.Policy()
			if err != nil {
				return err
			}
			srv, err := mcpserver.New(mcpserver.Deps{
				Runner:    a.Orchestrator,
				Searcher:  a.Overseer,
				Policy:    policy,
				Audit:     a.Audit,
				BlockSize: cfg.Storage.S3.BlockSize,
				Logger:    logger,
			}, Version)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "tardis-ingest version %s\n", Version)
		},
	}
}
