package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/you-humble/ytgrab/internal/transport"
)

type app struct {
	di  *dependencyInjector
	srv *http.Server
}

func New(ctx context.Context, cfgPath string) *app {
	di := newDI(cfgPath)
	di.Logger()
	mux := http.NewServeMux()
	return &app{
		di: di,
		srv: &http.Server{
			Addr: di.Config().Addr,
			Handler: transport.WithRecover(
				transport.LogMiddleware(
					di.Router(ctx).MountRoutes(mux),
				),
			),
		},
	}
}

func (a *app) Run(ctx context.Context) error {
	cfg := a.di.Config()
	errCh := make(chan error, 2)

	a.di.Supervisor(ctx).StartCleanup(ctx, cfg.TaskCleanupInterval, cfg.TaskTTL)

	go func() {
		slog.Info("starting server", slog.String("addr", a.srv.Addr))
		if e := a.srv.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
			slog.Error("server error", slog.String("error", e.Error()))
			errCh <- e
		}
	}()

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("admin listen %s: %w", cfg.GRPCAddr, err)
		}
		go func() {
			if e := a.di.Admin().Serve(lis); e != nil {
				slog.Error("admin server error", slog.String("error", e.Error()))
				errCh <- e
			}
		}()
		a.di.Admin().SetServing(true)
	}

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	if err := a.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *app) shutdown() error {
	cfg := a.di.Config()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if cfg.GRPCAddr != "" {
		a.di.Admin().SetServing(false)
	}

	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if err := a.di.Supervisor(shutdownCtx).Shutdown(shutdownCtx); err != nil {
		slog.Error("supervisor shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if a.di.fileStore != nil {
		if err := a.di.fileStore.Close(shutdownCtx); err != nil {
			slog.Error("file store shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if cfg.GRPCAddr != "" {
		if err := a.di.Admin().Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.di.natsConn != nil {
		if err := a.di.natsConn.Drain(); err != nil {
			slog.Warn("nats drain", slog.String("error", err.Error()))
		}
	}
	if a.di.redis != nil {
		if err := a.di.redis.Close(); err != nil {
			slog.Warn("redis close", slog.String("error", err.Error()))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	slog.Info("server gracefully stopped")
	return nil
}

// Probe fetches the formats of url without starting the server and writes
// them to w as indented JSON.
func Probe(ctx context.Context, cfgPath, url string, w io.Writer) error {
	di := newDI(cfgPath)
	// stdout carries the JSON result
	di.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(di.Config().LogLevel),
	}))
	slog.SetDefault(di.logger)

	cookies := di.Config().CookiesFile
	if _, err := os.Stat(cookies); err != nil {
		cookies = ""
	}

	info, err := di.Prober().Probe(ctx, url, cookies)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}
