package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ycm360/cafemx/internal/api"
	"github.com/ycm360/cafemx/internal/auth"
	"github.com/ycm360/cafemx/internal/metrics"
	"github.com/ycm360/cafemx/internal/monitoring"
	"github.com/ycm360/cafemx/internal/tenant"
)

var (
	servePort        int
	serveNoReconcile bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the background reconciler",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		m := metrics.New()
		tenants, err := initTenants(st, m)
		if err != nil {
			return err
		}
		ingester, err := initIngester(st, tenants, m)
		if err != nil {
			return err
		}

		handler := api.NewRouter(api.Deps{
			Verifier:       auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience),
			Tenants:        tenants,
			OCR:            ingester,
			Reports:        st,
			Database:       st,
			Metrics:        m,
			Provider:       cfg.OCR.Provider,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return eris.Wrap(srv.Shutdown(shutdownCtx), "server shutdown")
		})

		if !serveNoReconcile {
			interval := time.Duration(cfg.Tenant.ReconcileEverySecs) * time.Second
			g.Go(func() error {
				alerter := monitoring.NewAlerter(cfg.Monitor)
				return tenant.NewReconciler(st, m, tenant.WithObserver(alerter)).Run(gctx, interval)
			})
		}

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoReconcile, "no-reconcile", false, "do not run the reconciler loop")
	rootCmd.AddCommand(serveCmd)
}
