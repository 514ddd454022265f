package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/blit/internal/config"
	"github.com/bamsammich/blit/internal/pipeline"
	"github.com/bamsammich/blit/internal/platform"
	"github.com/bamsammich/blit/internal/stats"
	"github.com/bamsammich/blit/internal/verify"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		blockSizeStr string
		depth        int
		backendName  string
		direct       bool
		verifyFlag   bool
		noPrealloc   bool
		verbose      bool
		quiet        bool
		showVersion  bool
		logFile      string
	)

	rootCmd := &cobra.Command{
		Use:   "blit <source> <destination>",
		Short: "Copy a file with many overlapped async reads and writes",
		Long: `blit copies a single file through a fixed pool of aligned buffers,
keeping up to --depth read/write operations in flight against the
kernel's asynchronous I/O facility (io_uring or Linux AIO).`,
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "blit %s\n", version)
				return nil
			}

			srcPath, dstPath := args[0], args[1]

			// Load optional config file.
			cfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			applyConfigDefaults(cmd, cfg.Defaults,
				&blockSizeStr, &depth, &backendName, &verifyFlag, &direct)

			// Configure logging.
			logLevel := slog.LevelWarn
			if verbose {
				logLevel = slog.LevelDebug
			} else if !quiet {
				logLevel = slog.LevelInfo
			}
			textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: logLevel,
			})
			var logHandler slog.Handler = textHandler
			if logFile != "" {
				lf, lfErr := os.Create(logFile)
				if lfErr != nil {
					return fmt.Errorf("open log file: %w", lfErr)
				}
				defer lf.Close()
				jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{
					Level: slog.LevelDebug,
				})
				logHandler = newMultiHandler(textHandler, jsonHandler)
			}
			slog.SetDefault(slog.New(logHandler))

			blockSize64, err := config.ParseSize(blockSizeStr)
			if err != nil {
				return fmt.Errorf("invalid --block-size: %w", err)
			}
			blockSize := int(blockSize64)

			if direct && !platform.DirectSupported() {
				return fmt.Errorf("--direct is not supported on this platform")
			}

			src, err := platform.OpenSource(srcPath, direct)
			if err != nil {
				return err
			}
			defer src.File.Close()

			dst, err := platform.CreateDest(dstPath, src.Size, !noPrealloc, direct)
			if err != nil {
				return err
			}
			defer dst.Close()

			pool, err := pipeline.NewPool(depth, blockSize)
			if err != nil {
				return err
			}

			task, err := pipeline.NewTask(
				int(src.File.Fd()), int(dst.Fd()), src.Size, blockSize, depth, direct)
			if err != nil {
				return err
			}

			be, resolved, err := pipeline.Open(backendName, depth, pool)
			if err != nil {
				return fmt.Errorf("backend %s: %w", backendName, err)
			}

			collector := stats.NewCollector()
			driver, err := pipeline.NewDriver(task, pool, be, collector)
			if err != nil {
				be.Close()
				return err
			}

			slog.Debug("starting copy",
				"source", srcPath,
				"destination", dstPath,
				"size", src.Size,
				"block_size", blockSize,
				"depth", depth,
				"backend", resolved,
				"direct", direct,
			)

			copyErr := driver.Run()
			if closeErr := be.Close(); closeErr != nil && copyErr == nil {
				copyErr = closeErr
			}
			if copyErr != nil {
				slog.Error("copy failed", "error", copyErr, "backend", resolved)
				return &exitError{code: 1}
			}

			if err := platform.Finalize(dst, src.Size); err != nil {
				slog.Error("finalize failed", "error", err)
				return &exitError{code: 1}
			}

			if verifyFlag {
				if err := verify.Files(srcPath, dstPath); err != nil {
					slog.Error("verification failed", "error", err)
					return &exitError{code: 1}
				}
				slog.Debug("verification passed")
			}

			if !quiet {
				snap := collector.Snapshot()
				rate := float64(src.Size)
				if secs := snap.Elapsed.Seconds(); secs > 0 {
					rate = float64(src.Size) / secs
				}
				fmt.Fprintf(os.Stderr, "copied %s in %v (%s/s, backend=%s, peak inflight=%d)\n",
					stats.FormatBytes(src.Size), snap.Elapsed.Round(time.Millisecond),
					stats.FormatBytes(int64(rate)), resolved, snap.InFlightPeak)
			}
			return nil
		},
	}

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")
	rootCmd.Flags().
		StringVarP(&blockSizeStr, "block-size", "b", "1M", "I/O block size (power of two, e.g. 8K, 1M)")
	rootCmd.Flags().
		IntVarP(&depth, "depth", "d", 64, "number of buffer slots / max operations in flight")
	rootCmd.Flags().
		StringVar(&backendName, "backend", "auto", "async I/O backend: auto, uring, aio, poll, sync")
	rootCmd.Flags().
		BoolVar(&direct, "direct", false, "open files with O_DIRECT (Linux only)")
	rootCmd.Flags().BoolVar(&verifyFlag, "verify", false, "verify checksums after copy (BLAKE3)")
	rootCmd.Flags().BoolVar(&noPrealloc, "no-prealloc", false, "skip destination preallocation")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	rootCmd.Flags().StringVar(&logFile, "log", "", "write structured JSON log to FILE")

	if err := rootCmd.Execute(); err != nil {
		if exitErr, ok := err.(*exitError); ok {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	return 0
}

// applyConfigDefaults applies config file defaults for flags not
// explicitly set on the CLI.
func applyConfigDefaults(
	cmd *cobra.Command,
	defaults config.DefaultsConfig,
	blockSize *string,
	depth *int,
	backend *string,
	verifyFlag *bool,
	direct *bool,
) {
	if !cmd.Flags().Changed("block-size") && defaults.BlockSize != nil {
		*blockSize = *defaults.BlockSize
	}
	if !cmd.Flags().Changed("depth") && defaults.Depth != nil {
		*depth = *defaults.Depth
	}
	if !cmd.Flags().Changed("backend") && defaults.Backend != nil {
		*backend = *defaults.Backend
	}
	if !cmd.Flags().Changed("verify") && defaults.Verify != nil {
		*verifyFlag = *defaults.Verify
	}
	if !cmd.Flags().Changed("direct") && defaults.Direct != nil {
		*direct = *defaults.Direct
	}
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
