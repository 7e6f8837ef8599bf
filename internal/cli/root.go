// Package cli provides the docctl operator command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"pdf-ingest/internal/app"
	"pdf-ingest/internal/blob"
	"pdf-ingest/internal/config"
	"pdf-ingest/internal/dispatch"
	"pdf-ingest/internal/logger"
	"pdf-ingest/internal/queue"
	"pdf-ingest/internal/scan"
	"pdf-ingest/internal/store"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	verbose bool

	cfg        config.Config
	log        *logger.Logger
	registry   store.Registry
	blobs      blob.Store
	redisConn  *redis.Client
	taskQueue  *queue.RedisQueue
	dispatcher *dispatch.Dispatcher
	reconciler *scan.Reconciler
	closers    []func()
)

var rootCmd = &cobra.Command{
	Use:   "docctl",
	Short: "Operate the PDF ingestion service",
	Long: `docctl inspects and repairs the document registry of the PDF ingestion
service: adopt orphan files, submit documents that never reached the
queue, list documents stuck in processing and peek at dead-lettered tasks.

Configuration is read from the environment (and an optional .env file),
the same way the API and worker read it.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		mode := cfg.Env
		if !verbose && mode == "dev" {
			mode = "cli"
		}
		if log, err = logger.New(mode); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		ctx := cmd.Context()
		reg, closeReg, err := app.OpenRegistry(ctx, cfg, log)
		if err != nil {
			return err
		}
		closers = append(closers, closeReg)
		b, closeBlobs, err := app.OpenBlobStore(ctx, cfg, log)
		if err != nil {
			return err
		}
		closers = append(closers, closeBlobs)

		redisConn = queue.NewClient(cfg)
		closers = append(closers, func() { _ = redisConn.Close() })
		taskQueue = queue.NewRedisQueue(redisConn, cfg)

		registry, blobs = reg, b
		dispatcher = dispatch.New(registry, blobs, taskQueue, log, dispatch.Options{
			MaxUploadBytes: cfg.MaxUploadBytes,
			UploadPrefix:   cfg.UploadPrefix,
		})
		reconciler = scan.New(registry, blobs, log, cfg.UploadPrefix)
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		closers = nil
		if log != nil {
			log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(submitPendingCmd)
	rootCmd.AddCommand(stuckCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(resubmitCmd)
	rootCmd.AddCommand(dlqCmd)
}

// Execute runs the root command until it finishes or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
