package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/settleline/recond/internal/di"
)

// serverCmd starts the daemon: the webhook listener, the pipeline workers
// and the idempotency sweeper, shut down together on SIGINT/SIGTERM.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the reconciliation daemon",
	Long: `Start the recond server which provides:
- Webhook intake at POST /webhooks/{tenant}/{connection}
- Prometheus metrics at GET /metrics
- Health check at GET /healthz
- The normalize/match/post pipeline workers
- The idempotency sweeper`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Server is the default command.
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServer(cmd, args)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	container := di.New()
	provider := di.NewProvider(container, cfg)
	if err := provider.RegisterAll(); err != nil {
		return err
	}

	log, err := di.Logger(container)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	pl, err := di.Pipeline(container)
	if err != nil {
		return err
	}
	sweeper, err := di.Sweeper(container)
	if err != nil {
		return err
	}
	httpServer, err := di.HTTPServer(container)
	if err != nil {
		return err
	}

	if !quiet {
		fmt.Printf("recond listening on %s\n", cfg.HTTP.Listen)
	}
	log.Info("starting recond",
		zap.String("listen", cfg.HTTP.Listen),
		zap.String("store", cfg.Store.Driver),
		zap.String("config", cfg.GetConfigPath()))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pl.Run(gctx)
	})

	g.Go(func() error {
		if err := sweeper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := provider.Close(closeCtx); err != nil {
		log.Warn("shutdown cleanup failed", zap.Error(err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	log.Info("recond stopped")
	return nil
}
