package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/pushstream-go/channels"
	"github.com/ggoodman/pushstream-go/channels/memorystore"
	"github.com/ggoodman/pushstream-go/channels/redisstore"
	"github.com/ggoodman/pushstream-go/internal/config"
	"github.com/ggoodman/pushstream-go/internal/metrics"
	"github.com/ggoodman/pushstream-go/longpoll"
	"github.com/ggoodman/pushstream-go/pushhttp"
)

const shutdownGrace = 5 * time.Second

type ServeCmd struct {
	flags *Flags

	listen  string
	metrics string

	// ready, when set, receives the bound broker address once listening.
	ready func(addr net.Addr)
}

// NewServeCmd creates a new serve command.
func NewServeCmd(flags *Flags) *ServeCmd {
	return &ServeCmd{flags: flags}
}

// Register adds the serve command to the application.
func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "serve",
		Usage:     "Run the broker",
		UsageText: "pushstreamd serve [--listen addr] [--metrics addr]",
		Description: `Runs the HTTP broker. Subscribers long-poll GET /sub/<channel>[.b<N>]/...
and publishers POST /pub?id=<channel>.

Settings are read from the environment (PUSHSTREAM_*, REDIS_ADDR); the flags
below override the listen addresses.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "listen",
				Usage:       "broker listen address (overrides PUSHSTREAM_LISTEN_ADDR)",
				Destination: &cmd.listen,
			},
			&cli.StringFlag{
				Name:        "metrics",
				Usage:       "Prometheus listen address (overrides PUSHSTREAM_METRICS_ADDR)",
				Destination: &cmd.metrics,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *ServeCmd) run(ctx context.Context, c *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.listen != "" {
		cfg.ListenAddr = cmd.listen
	}
	if cmd.metrics != "" {
		cfg.MetricsAddr = cmd.metrics
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return cmd.serve(ctx, cfg)
}

func (cmd *ServeCmd) serve(ctx context.Context, cfg config.Config) error {
	log := cmd.flags.logger()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn("store.close.fail", slog.String("err", err.Error()))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine := longpoll.New(store,
		longpoll.WithLogger(log),
		longpoll.WithMetrics(metrics.New(reg)),
		longpoll.WithTimeout(cfg.LongPollTimeout),
		longpoll.WithMaxChannels(cfg.MaxChannelsPerSubscription),
		longpoll.WithMaxPayloadBytes(int(cfg.MaxPayloadBytes)),
	)
	handler := pushhttp.New(engine,
		pushhttp.WithLogger(log),
		pushhttp.WithMaxPayloadBytes(cfg.MaxPayloadBytes),
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	// No write timeout: a subscription legitimately holds its response
	// open for up to the long-poll timeout.
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error {
		log.Info("http.listen", slog.String("addr", ln.Addr().String()), slog.String("store", cfg.Store))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	var msrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		msrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			log.Info("metrics.listen", slog.String("addr", cfg.MetricsAddr))
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve metrics: %w", err)
			}
			return nil
		})
	}

	if cmd.ready != nil {
		cmd.ready(ln.Addr())
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("http.shutdown")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := srv.Shutdown(sctx)
		if msrv != nil {
			err = errors.Join(err, msrv.Shutdown(sctx))
		}
		return err
	})

	return g.Wait()
}

func openStore(cfg config.Config) (channels.Store, func() error, error) {
	switch cfg.Store {
	case config.StoreRedis:
		s, err := redisstore.New(cfg.Redis, redisstore.WithRetention(cfg.Retention()))
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return s, s.Close, nil
	default:
		s := memorystore.New(memorystore.WithRetention(cfg.Retention()))
		return s, s.Close, nil
	}
}
