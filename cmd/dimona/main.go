// Command dimona serves the ops HTTP surface and offers manual queue helpers.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hyperlab-be/dimona/cmd/dimona/cli"
	"github.com/hyperlab-be/dimona/internal/app"
	dimonahttp "github.com/hyperlab-be/dimona/internal/dimona/http"
	"github.com/hyperlab-be/dimona/internal/observability"
	"github.com/hyperlab-be/dimona/internal/platform/cache"
	"github.com/hyperlab-be/dimona/internal/platform/db"
	"github.com/hyperlab-be/dimona/jobs"
)

var (
	redisAddr  string
	jsonOutput bool
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "dimona",
	Short:         "Dimona declaration sync service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", envOr("REDIS_ADDR", "127.0.0.1:6379"), "redis address of the job queue")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON output")
	rootCmd.AddCommand(serveCmd, syncCmd, sweepCmd, queueCmd)

	syncCmd.Flags().String("employer", "", "employer id")
	syncCmd.Flags().String("worker", "", "worker id")
	syncCmd.Flags().String("from", "", "first date of the window (YYYY-MM-DD)")
	syncCmd.Flags().String("to", "", "last date of the window, defaults to --from")
	sweepCmd.Flags().Int("lookback-days", 0, "only sweep periods starting within this many days")
	queueCmd.Flags().Int("size", 10, "number of scheduled tasks to list")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Enqueue a sync pass for an employer, worker and window",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobsCLI, err := cli.NewJobsCLI(redisAddr)
		if err != nil {
			return err
		}
		defer jobsCLI.Close()
		employer, _ := cmd.Flags().GetString("employer")
		worker, _ := cmd.Flags().GetString("worker")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		code := jobsCLI.SyncCommand(cmd.Context(), cli.SyncOptions{
			EmployerID: employer,
			WorkerID:   worker,
			From:       from,
			To:         to,
			JSONOutput: jsonOutput,
			Stdout:     cmd.OutOrStdout(),
			Stderr:     cmd.ErrOrStderr(),
		})
		return exitError(code)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Enqueue a sweep of unsettled periods",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobsCLI, err := cli.NewJobsCLI(redisAddr)
		if err != nil {
			return err
		}
		defer jobsCLI.Close()
		days, _ := cmd.Flags().GetInt("lookback-days")
		info, err := jobsCLI.TriggerSweep(cmd.Context(), days)
		if err != nil {
			return err
		}
		cmd.Printf("enqueued sweep as task %s\n", info.ID)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the job queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobsCLI, err := cli.NewJobsCLI(redisAddr)
		if err != nil {
			return err
		}
		defer jobsCLI.Close()
		size, _ := cmd.Flags().GetInt("size")
		return exitError(jobsCLI.QueueCommand(cmd.Context(), size, jsonOutput, cmd.OutOrStdout(), cmd.ErrOrStderr()))
	},
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return err
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{ApplicationName: "dimona-api", MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return err
	}
	defer pool.Close()

	redisOpts := cache.Options{Addr: cfg.RedisAddr, ClientName: "dimona-api"}
	redisClient, err := cache.New(ctx, redisOpts)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	service, err := app.NewDimonaService(ctx, cfg, app.DimonaDeps{
		Pool:    pool,
		Redis:   redisClient,
		Logger:  logger,
		Metrics: metrics.Jobs(),
	})
	if err != nil {
		logger.Error("init dimona service", slog.Any("error", err))
		return err
	}

	queueClient, err := jobs.NewClient(cache.QueueOpt(redisOpts))
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		return err
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()
	scheduler := jobs.NewSyncScheduler(queueClient, redisClient)

	inspector := asynq.NewInspector(cache.QueueOpt(redisOpts))
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		DimonaHandler: dimonahttp.NewHandler(service, scheduler, logger),
		JobHandler:    jobs.NewHandler(inspector, logger),
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("http server", slog.Any("error", err))
		return err
	}
	return nil
}

type exitCode int

func (c exitCode) Error() string { return "exit status " + strconv.Itoa(int(c)) }

func exitError(code int) error {
	if code == 0 {
		return nil
	}
	return exitCode(code)
}

func envOr(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
