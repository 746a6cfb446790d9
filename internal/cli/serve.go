package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-sigma/internal/handlers"
	"github.com/telhawk-systems/telhawk-sigma/internal/logging"
	"github.com/telhawk-systems/telhawk-sigma/internal/messaging"
	"github.com/telhawk-systems/telhawk-sigma/internal/middleware"
	"github.com/telhawk-systems/telhawk-sigma/internal/scheduler"
	"github.com/telhawk-systems/telhawk-sigma/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and detection scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	rt, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched := scheduler.New(rt.jobs, rt.executor, logger, cfg.Detection.SyncInterval, cfg.Detection.MaxConcurrentRuns)
	schedDone := make(chan struct{})
	if cfg.Detection.Enabled {
		go func() {
			sched.Run(ctx)
			close(schedDone)
		}()
	} else {
		logger.Warn("detection scheduler disabled")
		close(schedDone)
	}

	if rt.bus != nil {
		if err := rt.bus.QueueSubscribe(messaging.SubjectDetectionRun, messaging.QueueDetectionWorkers, sched.HandleRunRequest); err != nil {
			cancel()
			<-schedDone
			return err
		}
	}

	var auth *middleware.Auth
	if cfg.Auth.JWTSecret != "" {
		auth = middleware.NewAuth(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	} else {
		logger.Warn("API authentication disabled: auth.jwt_secret is empty")
	}

	handler := handlers.NewHandler(rt.jobs, sched, newBackend(cfg), backendOptions(cfg), logger)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(handler, auth, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("sigma service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	cancel()

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", logging.Error(err))
	}

	<-schedDone
	logger.Info("server stopped gracefully")
	return runErr
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
