package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-storelock/v1/metrics"
	"github.com/mirkobrombin/go-storelock/v1/signal"
)

// startTelemetry installs the tracer provider and the metrics endpoint
// requested by the flags. The returned function shuts both down.
func startTelemetry(bus signal.Bus) (func(context.Context) error, error) {
	var shutdowns []func(context.Context) error

	if viper.GetBool("trace") {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	if addr := viper.GetString("metrics-addr"); addr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterLockMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if bus != nil {
			mux.Handle("/events", signal.SSEHandler(bus))
			mux.Handle("/ws", signal.WebSocketHandler(bus))
		}
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("storelock: metrics server failed", "addr", addr, "error", err)
			}
		}()
		slog.Info("storelock: serving metrics", "addr", addr)
		shutdowns = append(shutdowns, srv.Shutdown)
	}

	return func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdowns {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}, nil
}
