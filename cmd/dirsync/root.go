package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alexjbarnes/dirsync/internal/config"
	"github.com/alexjbarnes/dirsync/internal/logging"
	"github.com/alexjbarnes/dirsync/internal/uploader"
	"github.com/alexjbarnes/dirsync/internal/watch"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// errSyncFailed signals a run that finished with recorded errors. The
// errors were already logged, so main only sets the exit code.
var errSyncFailed = errors.New("sync finished with errors")

// globalFlags override the matching environment configuration.
type globalFlags struct {
	username string
	password string
	logDir   string
	logLevel string
	cacheDir string
}

type syncFlags struct {
	remotePath string
	depth      int
	threads    int
	force      bool
	report     string
}

func newRootCmd() *cobra.Command {
	gf := &globalFlags{}
	sf := &syncFlags{}

	cmd := &cobra.Command{
		Use:   "dirsync ENTITY-ID LOCAL-PATH",
		Short: "Mirror a local directory tree into a remote object store",
		Long: `dirsync uploads a local directory (or a single file) into a remote
project, folder or file. Folders are created to mirror the local tree,
files whose size and MD5 already match are skipped, and containers that
would exceed --depth children overflow into nested "more" folders.`,
		Args:          cobra.ExactArgs(2),
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, gf, sf, args[0], args[1], false)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&gf.username, "username", "u", "", "remote username (S3 access key)")
	pf.StringVarP(&gf.password, "password", "p", "", "remote password (S3 secret key)")
	pf.StringVar(&gf.logDir, "log-dir", "", "directory for session log files")
	pf.StringVarP(&gf.logLevel, "log-level", "l", "", "log level: debug, info, warn, error")
	pf.StringVar(&gf.cacheDir, "cache-dir", "", "directory for the local content cache")

	addSyncFlags(cmd, sf)

	cmd.AddCommand(newWatchCmd(gf))
	cmd.AddCommand(newProjectCmd(gf))
	cmd.AddCommand(newLsCmd(gf))

	return cmd
}

func addSyncFlags(cmd *cobra.Command, sf *syncFlags) {
	f := cmd.Flags()
	f.StringVarP(&sf.remotePath, "remote-folder-path", "r", "", "folder path to create and upload into under the remote entity")
	f.IntVarP(&sf.depth, "depth", "d", uploader.MaxDepth, "maximum number of children per remote project or folder")
	f.IntVarP(&sf.threads, "threads", "t", uploader.DefaultThreads(), "maximum number of concurrent file uploads")
	f.BoolVar(&sf.force, "force-upload", false, "upload every file and bump its version even when unchanged")
	f.StringVar(&sf.report, "report", "", "write a YAML summary of the run to this file")
}

func newWatchCmd(gf *globalFlags) *cobra.Command {
	sf := &syncFlags{}

	cmd := &cobra.Command{
		Use:   "watch ENTITY-ID LOCAL-PATH",
		Short: "Sync once, then again whenever the local tree changes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, gf, sf, args[0], args[1], true)
		},
	}

	addSyncFlags(cmd, sf)

	return cmd
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(gf *globalFlags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if gf.username != "" {
		cfg.Username = gf.username
	}

	if gf.password != "" {
		cfg.Password = gf.password
	}

	if gf.logDir != "" {
		cfg.LogDir = uploader.ExpandPath(gf.logDir)
	}

	if gf.logLevel != "" {
		cfg.LogLevel = gf.logLevel
	}

	if gf.cacheDir != "" {
		cfg.CacheDir = uploader.ExpandPath(gf.cacheDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func runSync(cmd *cobra.Command, gf *globalFlags, sf *syncFlags, entityID, localPath string, watchMode bool) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(gf)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	logger, logPath, closeLog, err := logging.NewSessionLogger(logging.SessionOptions{
		Production: cfg.IsProduction(),
		Level:      level,
		Dir:        cfg.LogDir,
		Console:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("creating session log: %w", err)
	}
	defer closeLog()

	logger.Info("Logging output to: " + logPath)
	logger.Debug("dirsync starting", slog.String("version", Version), slog.String("backend", cfg.Backend))

	fsys := afero.NewOsFs()

	client, closeClient, err := openBackend(ctx, cfg, fsys, logger)
	if err != nil {
		return err
	}
	defer closeClient()

	session := uploader.New(client, fsys, logger, uploader.Options{
		EntityID:    entityID,
		LocalPath:   localPath,
		RemotePath:  sf.remotePath,
		MaxDepth:    sf.depth,
		MaxThreads:  sf.threads,
		ForceUpload: sf.force,
	})

	if watchMode {
		w := watch.New(session.Options().LocalPath, func(ctx context.Context) {
			result := session.Execute(ctx)
			if err := writeReport(sf.report, result); err != nil {
				logger.Warn("writing report", slog.String("error", err.Error()))
			}
		}, logger, watch.DefaultDebounce)

		if err := w.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	}

	result := session.Execute(ctx)

	if err := writeReport(sf.report, result); err != nil {
		return err
	}

	if !result.Success() {
		return errSyncFailed
	}

	return nil
}

func writeReport(path string, result *uploader.Result) error {
	if path == "" {
		return nil
	}

	f, err := os.Create(uploader.ExpandPath(path))
	if err != nil {
		return fmt.Errorf("creating report: %w", err)
	}

	if err := result.WriteYAML(f); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}
