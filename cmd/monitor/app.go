package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kumakita/aitrios-monitor/internal/auth"
	"github.com/kumakita/aitrios-monitor/internal/binding"
	"github.com/kumakita/aitrios-monitor/internal/config"
	"github.com/kumakita/aitrios-monitor/internal/events"
	"github.com/kumakita/aitrios-monitor/internal/gateway"
	"github.com/kumakita/aitrios-monitor/internal/logger"
	"github.com/kumakita/aitrios-monitor/internal/metrics"
	"github.com/kumakita/aitrios-monitor/internal/notify"
	"github.com/kumakita/aitrios-monitor/internal/processor"
	"github.com/kumakita/aitrios-monitor/internal/reconciler"
	"github.com/kumakita/aitrios-monitor/internal/resultstore"
	"github.com/kumakita/aitrios-monitor/internal/webmonitor"
	"github.com/kumakita/aitrios-monitor/pkg/types"
)

const shutdownTimeout = 5 * time.Second

// App wires the monitor components together.
type App struct {
	cfg        config.Config
	bus        *events.Bus
	metrics    *metrics.Metrics
	reconciler *reconciler.Reconciler
	processor  *processor.Processor
	binding    *binding.Engine
	web        *webmonitor.Server
	notifier   *notify.Notifier
	store      *resultstore.Store

	httpServer    *http.Server
	metricsServer *http.Server
}

// NewApp builds every component from cfg. Optional sinks (MQTT,
// ClickHouse) that fail to connect are logged and skipped.
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	tokens, err := auth.NewClientCredentials(auth.Config{
		ClientID:     cfg.Console.ClientID,
		ClientSecret: cfg.Console.ClientSecret,
		TokenURL:     cfg.Console.TokenURL,
		Scope:        cfg.Console.Scope,
		Timeout:      cfg.Console.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}

	gw := gateway.NewClient(gateway.Config{
		BaseURL:   cfg.Console.BaseURL,
		Timeout:   cfg.Console.Timeout,
		UserAgent: "aitrios-monitor",
	}, tokens)

	a := &App{
		cfg:     cfg,
		bus:     events.New(),
		metrics: metrics.New(),
	}

	if cfg.ClickHouse.Addr != "" {
		store, err := resultstore.Open(ctx, resultstore.Config{
			Addr:     cfg.ClickHouse.Addr,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		})
		if err != nil {
			logger.Warn("Main", "Result store disabled: %v", err)
		} else {
			a.store = store
		}
	}

	var sink processor.ResultSink
	if a.store != nil {
		sink = a.store
	}
	a.processor = processor.New(processor.Config{
		DeviceID: cfg.Device.ID,
		Interval: cfg.Processing.Interval,
		Results:  cfg.Processing.Results,
		Images:   cfg.Processing.Images,
	}, gw, a.bus, sink, a.metrics)

	a.reconciler = reconciler.New(reconciler.Config{
		DeviceID:       cfg.Device.ID,
		PollInterval:   cfg.Polling.Interval,
		FollowUpDelay:  cfg.Polling.FollowUpDelay,
		CommandTimeout: cfg.Polling.CommandTimeout,
	}, gw, a.processor, a.bus, a.metrics)

	opts := []binding.Option{
		binding.WithTTL(cfg.Parameters.CacheTTL),
		binding.WithMetrics(a.metrics),
		binding.WithApplyHook(a.onApply),
	}
	if cfg.Parameters.RequireIdle {
		opts = append(opts, binding.WithGuard(idleGuard(a.reconciler)))
	}
	a.binding = binding.New(gw, opts...)

	webCfg := webmonitor.DefaultConfig()
	webCfg.Addr = cfg.HTTP.Addr
	webCfg.AssetsDir = cfg.HTTP.AssetsDir
	webCfg.DeviceID = cfg.Device.ID
	a.web, err = webmonitor.NewServer(webCfg, a.reconciler, a.binding, a.processor, a.bus)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.httpServer = &http.Server{
		Addr:              webCfg.Addr,
		Handler:           a.web.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.HTTP.MetricsAddr != "" {
		a.metricsServer = a.metrics.Server(cfg.HTTP.MetricsAddr)
	}

	if cfg.MQTT.Broker != "" {
		n, err := notify.Connect(notify.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			DeviceID:    cfg.Device.ID,
		})
		if err != nil {
			logger.Warn("Main", "MQTT notifier disabled: %v", err)
		} else if _, err := n.Attach(a.bus); err != nil {
			n.Close()
			logger.Warn("Main", "MQTT notifier disabled: %v", err)
		} else {
			a.notifier = n
		}
	}

	return a, nil
}

// idleGuard refuses applies while the device is observed streaming.
func idleGuard(r *reconciler.Reconciler) binding.Guard {
	return func(deviceID string) error {
		state := r.Snapshot().State
		if state.IsStreaming() {
			return fmt.Errorf("device %s is %s; stop inference before applying parameters", deviceID, state.Operation)
		}
		return nil
	}
}

func (a *App) onApply(res types.ApplyResult) {
	a.bus.PublishApply(res)
	if res.Success {
		a.bus.Status(types.StatusInfo, "%s", res.Message)
		return
	}
	a.bus.Status(types.StatusError, "Apply failed: %s", res.Message)
}

// Run serves until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.reconciler.Run(ctx)
	})

	g.Go(func() error {
		logger.Info("Main", "Web monitor listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web monitor: %w", err)
		}
		return nil
	})

	if a.metricsServer != nil {
		g.Go(func() error {
			logger.Info("Main", "Metrics listening on %s/metrics", a.metricsServer.Addr)
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
	}

	if a.notifier != nil {
		g.Go(func() error {
			return a.notifier.Run(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

func (a *App) shutdown() error {
	logger.Info("Main", "Shutting down...")
	a.web.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("web monitor shutdown: %w", err))
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the optional sinks.
func (a *App) Close() {
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("Main", "Close result store: %v", err)
		}
	}
}
