package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"arbsync/api"
	"arbsync/auth"
	"arbsync/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the HTTP API and watch viewers on demand",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address")
	_ = v.BindPFlag("api.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	if conf.API.JWTSecret == "" {
		return errors.New("api.jwt_secret is required to serve")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openStack(ctx, conf)
	if err != nil {
		return err
	}
	defer s.Close()

	challenges, err := auth.NewMemoryChallengeStore(4096)
	if err != nil {
		return fmt.Errorf("challenge store: %w", err)
	}
	authService := auth.NewService(challenges, conf.API.JWTSecret,
		auth.WithTokenTTL(conf.API.TokenTTL),
		auth.WithChallengeTTL(conf.API.ChallengeTTL))

	srv := &http.Server{
		Addr:              conf.API.Addr,
		Handler:           api.NewServer(s.syncer, authService, api.NewHub(0)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.L(ctx).Infof("Listening on %s", conf.API.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logging.L(ctx).Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
