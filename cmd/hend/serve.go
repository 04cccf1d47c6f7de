package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hen/client"
	"hen/config"
	"hen/loadbalance"
	"hen/log"
	"hen/metrics"
	"hen/middleware"
	"hen/registry"
	"hen/server"
	"hen/service/auth"
	"hen/service/control"
	"hen/service/power"
	"hen/service/reservation"
)

func newServe() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon described by a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "daemon configuration file (TOML)")
	cmd.MarkFlagRequired("config")
	return cmd
}

// daemon is what a service kind contributes to a running server.
type daemon struct {
	register func(*server.Server) error
	// run, if set, is a background loop living as long as the server.
	run func(context.Context) error
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := log.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger = logger.With(zap.String("kind", cfg.Daemon.Kind))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	reg, closeReg, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer closeReg()

	serverTLS, err := cfg.TLS.ServerConfig()
	if err != nil {
		return err
	}
	clientTLS, err := cfg.TLS.ClientConfig()
	if err != nil {
		return err
	}
	balancer, err := loadbalance.New(cfg.Client.Balancer)
	if err != nil {
		return err
	}
	peers, err := client.New(client.Config{
		Registry:     reg,
		Balancer:     balancer,
		TLS:          clientTLS,
		PoolSize:     cfg.Client.PoolSize,
		CallTimeout:  cfg.Client.CallTimeout.Duration,
		DialAttempts: cfg.Client.DialAttempts,
		DialDelay:    cfg.Client.DialDelay.Duration,
		Logger:       logger.Named("client"),
		Metrics:      metrics.NewClient(promReg),
	})
	if err != nil {
		return err
	}
	defer peers.Close()

	d, err := newDaemon(ctx, cfg, peers, logger)
	if err != nil {
		return err
	}

	serverMetrics := metrics.NewServer(promReg, cfg.Daemon.Name)
	svr := server.NewServer(cfg.Daemon.Name,
		server.WithLogger(logger),
		server.WithTLS(serverTLS),
		server.WithMetrics(serverMetrics),
		server.WithRegistry(reg, cfg.Daemon.Advertise),
		server.WithAcceptTimeout(cfg.Daemon.AcceptTimeout.Duration),
		server.WithDrainTimeout(cfg.Daemon.DrainTimeout.Duration),
		server.WithCallTimeout(cfg.Daemon.CallTimeout.Duration),
	)
	if err := svr.Use(middleware.Logging(logger)); err != nil {
		return err
	}
	if err := svr.Use(middleware.Metrics(serverMetrics)); err != nil {
		return err
	}
	if cfg.RateLimit.Rate > 0 {
		err := svr.Use(middleware.RateLimit(cfg.RateLimit.Rate, cfg.RateLimit.Burst, "stopDaemon", "ping"))
		if err != nil {
			return err
		}
	}
	// Handlers making nested calls get a deadline to pass on.
	if err := svr.Use(middleware.Timeout(cfg.Daemon.CallTimeout.Duration)); err != nil {
		return err
	}
	if err := d.register(svr); err != nil {
		return err
	}
	if err := svr.Listen("tcp", cfg.Daemon.Listen); err != nil {
		return err
	}
	logger.Info("Listening", zap.Stringer("addr", svr.Addr()), zap.Bool("tls", serverTLS != nil))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(svr.Serve)
	g.Go(func() error {
		// A signal, a failing component or stopDaemon all end up here.
		select {
		case <-gctx.Done():
		case <-svr.Stopped():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Daemon.DrainTimeout.Duration+5*time.Second)
		defer cancel()
		return svr.Shutdown(shutdownCtx)
	})
	// Side loops end with the server, whichever way it stops.
	sideCtx, cancelSide := context.WithCancel(gctx)
	defer cancelSide()
	go func() {
		<-svr.Stopped()
		cancelSide()
	}()
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return metrics.Serve(sideCtx, cfg.Metrics.Listen, promReg, logger) })
	}
	if d.run != nil {
		g.Go(func() error { return d.run(sideCtx) })
	}
	err = g.Wait()
	logger.Info("Daemon stopped", zap.Error(err))
	return err
}

func newRegistry(cfg *config.Config, logger *zap.Logger) (registry.Registry, func(), error) {
	switch cfg.Registry.Kind {
	case "etcd":
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout.Duration, logger.Named("registry"))
		if err != nil {
			return nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Registry.DialTimeout.Duration)
		defer cancel()
		for name, instances := range cfg.Registry.Seed() {
			for _, in := range instances {
				if err := reg.Register(ctx, name, in, 60); err != nil {
					logger.Warn("Seeding etcd registry", zap.String("daemon", name), zap.Error(err))
				}
			}
		}
		return reg, func() { reg.Close() }, nil
	default:
		return registry.NewStaticRegistry(cfg.Registry.Seed()), func() {}, nil
	}
}

func newDaemon(ctx context.Context, cfg *config.Config, peers *client.Client, logger *zap.Logger) (*daemon, error) {
	switch cfg.Daemon.Kind {
	case config.KindAuth:
		users := make(map[string]string, len(cfg.Auth.Users))
		for _, u := range cfg.Auth.Users {
			users[u.Name] = u.PasswordHash
		}
		s := auth.New(auth.Config{Users: users, SessionTTL: cfg.Auth.SessionTTL.Duration})
		return &daemon{register: s.Register}, nil
	case config.KindReservation:
		s := reservation.New(reservation.Config{
			Nodes:         cfg.Reservation.Nodes,
			MaxHours:      cfg.Reservation.MaxHours,
			SweepInterval: cfg.Reservation.SweepInterval.Duration,
			Logger:        logger.Named("reservation"),
		})
		return &daemon{register: s.Register, run: s.Run}, nil
	case config.KindPower:
		s := power.New(power.Config{Outlets: cfg.Power.Outlets, CycleDelay: cfg.Power.CycleDelay.Duration})
		return &daemon{register: s.Register}, nil
	case config.KindControl:
		deps := []string{cfg.Control.AuthDaemon, cfg.Control.ReservationDaemon, cfg.Control.PowerDaemon}
		// Peers may still be starting; wait for them within the dial retry
		// bound, then refuse to start without them.
		for _, peer := range deps {
			if err := peers.Connect(ctx, peer); err != nil {
				return nil, errors.Annotatef(err, "control daemon needs %s", peer)
			}
		}
		s := control.New(control.Config{
			Client:            peers,
			AuthDaemon:        cfg.Control.AuthDaemon,
			ReservationDaemon: cfg.Control.ReservationDaemon,
			PowerDaemon:       cfg.Control.PowerDaemon,
		})
		return &daemon{register: s.Register, run: func(ctx context.Context) error {
			peers.Follow(ctx, deps...)
			return nil
		}}, nil
	}
	return nil, errors.NotValidf("daemon kind %q", cfg.Daemon.Kind)
}
