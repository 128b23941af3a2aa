package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"befunny.io/auth/internal/app"
	"befunny.io/auth/internal/config"
	"befunny.io/auth/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "none"
)

const healthInterval = 5 * time.Second

var configFile string

var rootCmd = &cobra.Command{
	Use:     "authd",
	Short:   fmt.Sprintf("befunny auth service (version: %s, commit: %s)", version, commit),
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), cmd)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", os.Getenv("AUTH_CONFIG"), "YAML configuration file")
	rootCmd.Flags().Bool("migrate", true, "apply database migrations and seeds before serving")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		obs.Logger().Fatal().Err(err).Msg("authd failed")
	}
}

func serve(ctx context.Context, cmd *cobra.Command) error {
	v := config.New()
	_ = v.BindPFlag("migrate", cmd.Flags().Lookup("migrate"))
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	if err := obs.InitLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer a.Close()

	if v.GetBool("migrate") {
		if err := a.Migrate(ctx); err != nil {
			return err
		}
	}
	if err := a.EnsureDefaultRole(ctx, cfg.DefaultRole); err != nil {
		return fmt.Errorf("default role: %w", err)
	}
	if _, err := a.SyncPermissions(ctx); err != nil {
		return fmt.Errorf("sync permissions: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.API.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	gsrv := grpc.NewServer()
	a.Health.Register(gsrv)
	go a.Health.Watch(ctx, healthInterval)

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc health listening")
		if err := gsrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		stop()
	}
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	gsrv.GracefulStop()
	log.Info().Msg("stopped")
	return runErr
}
