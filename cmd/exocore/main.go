// exocore - session server and client for the exocore protocol.
//
// In server mode exocore binds a TCP or UDP socket, answers discovery,
// authenticates players with an RSA challenge and relays global chat. It
// exposes an admin REST API and Prometheus metrics, records session events
// in SQLite and can publish them over MQTT.
//
// In client mode it connects to a server, joins under a name and offers a
// chat prompt.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/exoengine/exocore/internal/api"
	"github.com/exoengine/exocore/internal/cli"
	"github.com/exoengine/exocore/internal/config"
	"github.com/exoengine/exocore/internal/db"
	"github.com/exoengine/exocore/internal/events"
	"github.com/exoengine/exocore/internal/metrics"
	"github.com/exoengine/exocore/internal/network"
	"github.com/exoengine/exocore/internal/scheduler"
	"github.com/exoengine/exocore/internal/security"
	"github.com/exoengine/exocore/internal/session"
	"github.com/exoengine/exocore/internal/telemetry"
	"github.com/exoengine/exocore/internal/util"
)

const (
	AppName    = "exocore"
	AppVersion = "1.0.0"
)

func main() {
	var (
		configDir = flag.String("config", config.DefaultConfigDir, "configuration directory")
		mode      = flag.String("mode", "server", "server or client")
		connect   = flag.String("connect", "127.0.0.1", "server address in client mode")
		port      = flag.Uint("port", 0, "server port in client mode (default: network.port)")
		name      = flag.String("name", "", "player name in client mode")
		noConsole = flag.Bool("no-console", false, "disable the interactive console")
	)
	flag.Parse()

	logCloser, err := util.InitLogger(util.DefaultLogConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logCloser.Close()
	logCloser, err = util.InitLogger(util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxBackups: util.DefaultLogConfig().MaxBackups,
		Console:    cfg.Logging.Console,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to reconfigure logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("version", AppVersion).
		Str("mode", *mode).
		Str("hostname", sysInfo.Hostname).
		Str("os", runtime.GOOS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Msg("starting " + AppName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "server":
		err = runServer(ctx, cfg, !*noConsole)
	case "client":
		clientPort := uint16(*port)
		if clientPort == 0 {
			clientPort = uint16(cfg.Network.Port)
		}
		err = runClient(ctx, cfg, *connect, clientPort, *name)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Error().Err(err).Msg(AppName + " stopped with error")
		logCloser.Close()
		os.Exit(1)
	}
	log.Info().Msg(AppName + " stopped")
}

func newTaskQueue(cfg config.SchedulerConfig) (*scheduler.TaskQueue, error) {
	policy, err := scheduler.ParseOverflowPolicy(cfg.Overflow)
	if err != nil {
		return nil, err
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = util.DefaultWorkerCount()
	}
	return scheduler.NewTaskQueue(workers,
		scheduler.WithCapacity(cfg.QueueCapacity),
		scheduler.WithOverflowPolicy(policy),
		scheduler.WithJoinTimeout(cfg.JoinTimeout()),
	), nil
}

func newSocket(cfg config.NetworkConfig, opts ...network.Option) (*network.Socket, error) {
	kind, ok := network.ParseKind(cfg.Transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	opts = append([]network.Option{
		network.WithPollTimeout(cfg.PollTimeout()),
	}, opts...)
	return network.NewSocket(kind, opts...), nil
}

func runServer(ctx context.Context, cfg *config.Config, console bool) error {
	netCfg := cfg.GetNetwork()
	schedCfg := cfg.GetScheduler()

	queue, err := newTaskQueue(schedCfg)
	if err != nil {
		return err
	}
	defer queue.Close()

	alarms := scheduler.NewAlarmQueue(queue)
	bus := events.NewEventBus(events.WithQueue(queue))
	defer bus.Stop()

	m := metrics.New()
	if err := m.WatchQueue(queue); err != nil {
		return err
	}
	if err := m.WatchAlarms(alarms); err != nil {
		return err
	}
	if err := m.WatchBus(bus); err != nil {
		return err
	}

	key, err := security.LoadOrGenerateKey(cfg.Security.PrivateKeyFile, cfg.Security.GenerateMissing)
	if err != nil {
		return fmt.Errorf("failed to load server key: %w", err)
	}

	var audit *db.AuditLog
	if cfg.Database.Enabled {
		audit, err = db.NewAuditLog(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer audit.Close()
		audit.Attach(bus)
	}

	sock, err := newSocket(netCfg,
		network.WithMaxClients(netCfg.MaxClients),
		network.WithBindHost(netCfg.BindHost),
	)
	if err != nil {
		return err
	}
	defer sock.Close()
	if err := m.WatchSocket(sock); err != nil {
		return err
	}

	srv := session.NewServer(sock, key, session.ServerConfig{
		Name:       netCfg.ServerName,
		Version:    netCfg.ProtocolVersion,
		MaxClients: netCfg.MaxClients,
	},
		session.WithTaskQueue(queue),
		session.WithEventBus(bus),
		session.WithObserver(m),
	)
	if err := sock.Bind(uint16(netCfg.Port)); err != nil {
		return fmt.Errorf("failed to bind %s port %d: %w", netCfg.Transport, netCfg.Port, err)
	}

	scheduleMaintenance(alarms, srv, audit, netCfg.IdleTimeout(), cfg.Database.Retention())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	bus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(gctx)
	})

	g.Go(func() error {
		alarms.Run(gctx, schedCfg.AlarmTick())
		return nil
	})

	if apiCfg := cfg.GetAPI(); apiCfg.Enabled {
		apiServer := api.NewServer(apiCfg, api.Deps{
			Session: srv,
			Queue:   queue,
			Alarms:  alarms,
			Audit:   audit,
			Metrics: m,
			Config:  cfg,
		})
		g.Go(func() error {
			if err := apiServer.Start(gctx); err != nil {
				log.Warn().Err(err).Msg("API server failed (non-fatal)")
			}
			return nil
		})
	}

	if cfg.MQTT.Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(cfg.MQTT, bus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			g.Go(func() error {
				if err := mqttHandler.Start(gctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed (non-fatal)")
				}
				return nil
			})
		}
	}

	if console {
		c := cli.NewCLI(cfg, bus, cli.Deps{
			Session: srv,
			Queue:   queue,
			Alarms:  alarms,
			Audit:   audit,
		}, os.Stdin, os.Stdout)
		g.Go(func() error {
			c.Start(gctx)
			return nil
		})
	}

	log.Info().
		Str("transport", netCfg.Transport).
		Uint16("port", sock.Port()).
		Str("name", netCfg.ServerName).
		Msg("session server ready")

	err = g.Wait()

	log.Info().Msg("initiating graceful shutdown...")
	bus.Emit(context.Background(), events.Event{Type: events.EventShutdown, Source: "main"})
	bus.Stop()
	return err
}

// scheduleMaintenance arms the periodic idle reaper and audit pruning.
func scheduleMaintenance(alarms *scheduler.AlarmQueue, srv *session.Server, audit *db.AuditLog, idle, retention time.Duration) {
	if idle > 0 {
		interval := min(idle/2, time.Minute)
		alarms.Every(scheduler.NewTask("reap-idle", func() {
			if n := srv.ReapIdle(idle); n > 0 {
				log.Info().Int("peers", n).Msg("disconnected idle peers")
			}
		}), interval)
	}

	if audit != nil && retention > 0 {
		alarms.Every(scheduler.NewTask("prune-audit", func() {
			n, err := audit.Prune(time.Now().Add(-retention))
			if err != nil {
				log.Warn().Err(err).Msg("failed to prune audit log")
				return
			}
			if n > 0 {
				log.Info().Int64("entries", n).Msg("pruned audit log")
			}
		}), time.Hour)
	}
}

func runClient(ctx context.Context, cfg *config.Config, address string, port uint16, name string) error {
	if name == "" {
		return errors.New("client mode requires -name")
	}
	netCfg := cfg.GetNetwork()

	key, err := security.GenerateKey()
	if err != nil {
		return err
	}

	sock, err := newSocket(netCfg)
	if err != nil {
		return err
	}
	defer sock.Close()

	client := session.NewClient(sock, key, name, netCfg.ProtocolVersion,
		session.WithChatHandler(func(from, text string) {
			fmt.Fprintf(os.Stdout, "[%s] %s\n", from, text)
		}),
	)
	if err := client.Connect(address, port); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(gctx)
	})

	consoleCtx, cancelConsole := context.WithCancel(gctx)
	defer cancelConsole()
	g.Go(func() error {
		defer cancelConsole()
		if err := waitConnected(gctx, client); err != nil {
			return err
		}
		if err := client.Discover(); err != nil {
			return err
		}
		if err := client.Join(); err != nil {
			return err
		}
		cli.NewChatConsole(client, os.Stdin, os.Stdout).Start(consoleCtx)
		return sock.Close()
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func waitConnected(ctx context.Context, client *session.Client) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(5 * time.Second)
	for !client.Connected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return errors.New("timed out waiting for the transport connection")
		case <-ticker.C:
		}
	}
	return nil
}
