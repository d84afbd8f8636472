package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/arrudagates/ponder/internal/api"
	"github.com/arrudagates/ponder/internal/auth"
	"github.com/arrudagates/ponder/internal/broker"
	"github.com/arrudagates/ponder/internal/config"
	"github.com/arrudagates/ponder/internal/database"
	"github.com/arrudagates/ponder/internal/device"
	"github.com/arrudagates/ponder/internal/devices"
	"github.com/arrudagates/ponder/internal/event"
	grpcapi "github.com/arrudagates/ponder/internal/grpc"
	"github.com/arrudagates/ponder/internal/homeassistant"
	"github.com/arrudagates/ponder/internal/logger"
	"github.com/arrudagates/ponder/internal/metrics"
	"github.com/arrudagates/ponder/internal/server"
	"github.com/arrudagates/ponder/internal/session"
	"github.com/arrudagates/ponder/internal/statestore"
	"github.com/arrudagates/ponder/internal/tsdb"
	"github.com/arrudagates/ponder/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the configuration file")
	flag.Parse()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init(logger.Options{Dir: cfg.LogDir, Debug: cfg.DebugMode})
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	cleaner.SetTimeout(utils.ParseStringTime(cfg.Broker.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, cleaner); err != nil {
		logger.ErrorF("Startup failed, details: %v", err)
		_ = cleaner.Clean()
		os.Exit(1)
	}
	if err := cleaner.Wait(ctx); err != nil {
		os.Exit(1)
	}
}

// run 按依赖顺序启动各组件，清理器按相反顺序关闭它们
func run(ctx context.Context, cfg *config.Config, cleaner *event.Cleaner) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	var sessionStore database.SessionStore = database.NewMemoryStore()
	var retained broker.RetainedBackend
	if cfg.Database.Enabled {
		mongo, err := database.Connect(ctx, cfg.Database, cfg.AppName)
		if err != nil {
			return err
		}
		cleaner.Add(mongo)
		store := database.NewMongoStore(mongo)
		sessionStore = store
		if cfg.Database.RetainedMessages {
			retained = store
		}
	}
	if cfg.Redis.Enabled {
		rs, err := database.NewRedisRetainedStore(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		cleaner.Add(rs)
		retained = rs
	}

	b := broker.New(broker.Options{Backend: retained, Metrics: m})
	if err := b.LoadRetained(ctx); err != nil {
		logger.WarnF("Fail to load retained messages, details: %v", err)
	}
	cleaner.AddFunc(b.Close)

	defs := device.NewRegistry()
	if err := devices.Load(defs, cfg.Devices.DefinitionsDir); err != nil {
		return err
	}
	states := device.NewStateTable(m)
	cleaner.AddFunc(func(context.Context) error {
		states.Close()
		return nil
	})

	var store *statestore.Store
	if cfg.SQLite.Enabled {
		s, err := statestore.Open(cfg.SQLite)
		if err != nil {
			return err
		}
		store = s
		// 在会话管理器之前注册，关闭时晚于会话，离线状态也能落盘
		cleaner.Add(store)
		if err := store.Restore(ctx, defs, states); err != nil {
			return err
		}
	}
	for _, binding := range cfg.Devices.Bindings {
		if err := defs.Bind(binding.ID, binding.Model); err != nil {
			return err
		}
	}

	translatorOpts := device.TranslatorOptions{
		Registry:    defs,
		States:      states,
		Publisher:   b,
		Metrics:     m,
		FailureSize: cfg.Devices.FailureCacheSize,
		FailureTTL:  utils.ParseStringTime(cfg.Devices.FailureTTL),
	}
	if store != nil {
		translatorOpts.Bindings = store
	}
	translator := device.NewTranslator(translatorOpts)
	b.AddHook(translator.HandlePublish)

	users := make([]auth.User, 0, len(cfg.Broker.Users))
	for _, u := range cfg.Broker.Users {
		users = append(users, auth.User{Username: u.Username, PasswordHash: u.PasswordHash})
	}
	authenticator, err := auth.New(cfg.Broker.AllowAnonymous, users)
	if err != nil {
		return err
	}

	sessions := session.NewManager(session.Options{
		Broker:           b,
		Store:            sessionStore,
		Auth:             authenticator,
		Resolver:         defs,
		Metrics:          m,
		ConnectTimeout:   utils.ParseStringTime(cfg.Broker.ConnectTimeout),
		WriteTimeout:     utils.ParseStringTime(cfg.Broker.WriteTimeout),
		KeepaliveBackoff: cfg.Broker.KeepaliveBackoff,
		OutboundQueue:    cfg.Broker.OutboundQueue,
		MaxPacketSize:    cfg.Broker.MaxPacketSize,
	})
	sessions.AddObserver(translator)
	translator.SetPresence(sessions)
	cleaner.Add(sessions)

	if store != nil {
		store.Start(states)
	}
	if cfg.InfluxDB.Enabled {
		writer, err := tsdb.Connect(cfg.InfluxDB)
		if err != nil {
			return err
		}
		writer.Start(states)
		cleaner.Add(writer)
	}
	if cfg.HomeAssistant.Enabled {
		bridge := homeassistant.New(homeassistant.Options{
			Config:    cfg.HomeAssistant,
			Registry:  defs,
			States:    states,
			Submitter: translator,
		})
		if err := bridge.Start(); err != nil {
			// Home Assistant 不可用不影响设备接入，客户端在后台继续重试
			logger.WarnF("Home Assistant bridge not connected yet, details: %v", err)
		}
		cleaner.Add(bridge)
	}
	if cfg.API.Enabled {
		opts := api.Options{
			Config:     cfg.API,
			Registry:   defs,
			States:     states,
			Translator: translator,
			Sessions:   sessions,
			Gatherer:   registry,
		}
		if store != nil {
			opts.History = store
		}
		apiServer := api.New(opts)
		if err := apiServer.Start(); err != nil {
			return err
		}
		cleaner.Add(apiServer)
	}
	if cfg.GRPC.Enabled {
		grpcServer := grpcapi.New(grpcapi.Options{
			Config:     cfg.GRPC,
			Registry:   defs,
			States:     states,
			Translator: translator,
			Presence:   sessions,
		})
		if err := grpcServer.Start(); err != nil {
			return err
		}
		cleaner.Add(grpcServer)
	}

	// 监听最后启动，最先关闭
	sem := server.NewSemaphore(cfg.Broker.MaxConnections)
	if cfg.TLS.Enabled {
		terminator, err := server.NewTerminator(cfg.TLS, m)
		if err != nil {
			return err
		}
		tlsListener := server.NewListener(server.ListenerOptions{
			Name:       "tls",
			Address:    net.JoinHostPort(cfg.Broker.BindAddress, strconv.Itoa(cfg.Broker.TLSPort)),
			Terminator: terminator,
			Handler:    sessions,
			Sem:        sem,
			Metrics:    m,
		})
		if err := tlsListener.Start(); err != nil {
			return err
		}
		cleaner.Add(tlsListener)
	}
	if cfg.Broker.PlainPort != 0 {
		plainListener := server.NewListener(server.ListenerOptions{
			Name:    "tcp",
			Address: net.JoinHostPort(cfg.Broker.BindAddress, strconv.Itoa(cfg.Broker.PlainPort)),
			Handler: sessions,
			Sem:     sem,
			Metrics: m,
		})
		if err := plainListener.Start(); err != nil {
			return err
		}
		cleaner.Add(plainListener)
	}

	logger.InfoF("Ponder started with %d device definitions and %d bound devices", len(defs.Definitions()), len(defs.Bindings()))
	return nil
}
