package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/you/streambridge/internal/adapter"
	"github.com/you/streambridge/internal/aggregate"
	"github.com/you/streambridge/internal/backoff"
	"github.com/you/streambridge/internal/bus"
	"github.com/you/streambridge/internal/clock"
	"github.com/you/streambridge/internal/config"
	"github.com/you/streambridge/internal/connector"
	"github.com/you/streambridge/internal/core"
	"github.com/you/streambridge/internal/datalog"
	"github.com/you/streambridge/internal/gate"
	"github.com/you/streambridge/internal/httpapi"
	"github.com/you/streambridge/internal/logx"
	"github.com/you/streambridge/internal/metrics"
	"github.com/you/streambridge/internal/resolver"
	"github.com/you/streambridge/internal/router"
	"github.com/you/streambridge/internal/store"
	"github.com/you/streambridge/internal/version"
)

func main() {
	_ = godotenv.Load()

	var (
		versionFlag bool
		ytURL       string
		tiktokRoom  string
		twChannel   string
		seChannel   string
		httpAddr    string
		sqlitePath  string
		dataLogDir  string
		logLevel    string
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&ytURL, "youtube-url", "", "YouTube live/watch URL or @handle")
	flag.StringVar(&tiktokRoom, "tiktok-room", "", "TikTok room id")
	flag.StringVar(&twChannel, "twitch-channel", "", "Twitch channel (without #)")
	flag.StringVar(&seChannel, "se-channel", "", "Follow feed channel id")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP status/stream address (e.g., :8765)")
	flag.StringVar(&sqlitePath, "sqlite", "", "Path to SQLite event store")
	flag.StringVar(&dataLogDir, "datalog-dir", "", "Directory for NDJSON raw data logs")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	if versionFlag {
		fmt.Printf("bridge version: %s (commit %s, built %s)\n",
			version.Version, version.Commit, version.BuildTime)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { overrides[f.Name] = true })

	cfg := config.Load()
	if overrides["youtube-url"] {
		cfg.YouTube.LiveURL = strings.TrimSpace(ytURL)
		cfg.YouTube.Enabled = cfg.YouTube.LiveURL != ""
	}
	if overrides["tiktok-room"] {
		cfg.TikTok.Room = strings.TrimSpace(tiktokRoom)
		cfg.TikTok.Enabled = cfg.TikTok.Room != ""
	}
	if overrides["twitch-channel"] {
		cfg.Twitch.Channel = strings.TrimSpace(twChannel)
		cfg.Twitch.Enabled = cfg.Twitch.Channel != ""
	}
	if overrides["se-channel"] {
		cfg.SE.Channel = strings.TrimSpace(seChannel)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["sqlite"] {
		cfg.Store.SQLitePath = strings.TrimSpace(sqlitePath)
	}
	if overrides["datalog-dir"] {
		cfg.DataLog.Dir = strings.TrimSpace(dataLogDir)
		cfg.DataLog.Enabled = cfg.DataLog.Dir != ""
	}
	if overrides["log-level"] {
		cfg.Log.Level = strings.TrimSpace(logLevel)
	}

	log, closeLog := logx.New(logx.Options{Level: cfg.Log.Level, Console: true, File: cfg.Log.File})
	defer func() { _ = closeLog() }()

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, err := range errs {
			log.Error("bridge: invalid configuration", logx.Err(err))
		}
		os.Exit(2)
	}
	log.Info("bridge: configuration loaded", logx.String("config", string(cfg.RedactedJSON())))

	clk := clock.System()
	met := metrics.New()
	eventBus := bus.New(log.With(logx.String("component", "bus")), clk, bus.DefaultMaxListeners)

	ctrl := backoff.New(log.With(logx.String("component", "backoff")), clk, backoff.Policy{
		Min:  cfg.Retry.MinDelay,
		Cap:  cfg.Retry.MaxDelay,
		Base: cfg.Retry.Base,
	})
	ctrl.OnSchedule(met.ReconnectScheduled)
	manager := connector.NewManager(log.With(logx.String("component", "manager")), ctrl)

	filterGate := gate.New(log.With(logx.String("component", "gate")), clk, gate.Options{
		MessagesEnabled:   cfg.General.MessagesEnabled,
		FilterOldMessages: cfg.General.FilterOldMessages,
		PlatformMessages: map[core.Platform]bool{
			core.PlatformYouTube: cfg.YouTube.MessagesEnabled,
			core.PlatformTikTok:  cfg.TikTok.MessagesEnabled,
			core.PlatformTwitch:  cfg.Twitch.MessagesEnabled,
		},
		DefaultCooldown:       cfg.Cooldowns.Default,
		HeavyCommandThreshold: cfg.Cooldowns.HeavyCommandThreshold,
		HeavyCommandWindow:    cfg.Cooldowns.HeavyCommandWindow,
		HeavyCooldown:         cfg.Cooldowns.HeavyCooldown,
		GlobalCooldown:        cfg.Cooldowns.GlobalCooldown,
		MaxEntries:            cfg.Cooldowns.MaxEntries,
	}, func(name string, args ...any) { eventBus.Emit(name, args...) })

	var dlog *datalog.Log
	if cfg.DataLog.Enabled {
		dlog = datalog.New(log.With(logx.String("component", "datalog")), cfg.DataLog.Dir)
		defer dlog.Close()
	}

	var (
		db       *store.SQLite
		buffered *store.Buffered
	)
	if cfg.Store.SQLitePath != "" {
		var err error
		db, err = store.Open(cfg.Store.SQLitePath)
		if err != nil {
			log.Error("bridge: open sqlite", logx.Err(err))
			os.Exit(1)
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Warn("bridge: closing store", logx.Err(err))
			}
		}()
		buffered = store.NewBuffered(db, clk, store.BufferedOptions{
			BatchSize:     cfg.Store.BatchSize,
			FlushInterval: cfg.FlushInterval(),
		})
	}

	goals := router.NewGoals()
	spam := router.NewSpamGuard(log.With(logx.String("component", "spam")), clk, router.SpamOptions{
		Enabled:                    cfg.Spam.Enabled,
		LowValueThreshold:          cfg.Spam.LowValueThreshold,
		DetectionWindow:            cfg.Spam.DetectionWindow,
		MaxIndividualNotifications: cfg.Spam.MaxIndividualNotifications,
	})

	pipeline := router.New(
		log.With(logx.String("component", "router")),
		clk, eventBus, filterGate,
		aggregate.Options{Enabled: cfg.Gifts.AggregationEnabled, Window: cfg.Gifts.AggregationWindow},
		met, dlog,
		logSink{log: log.With(logx.String("component", "output"))},
		goals, spam,
		router.Options{DataLogEnabled: cfg.DataLog.Enabled},
	)

	var api *httpapi.Server
	if cfg.HTTP.Addr != "" {
		var apiStore httpapi.EventStore
		if db != nil {
			apiStore = db
		}
		api = httpapi.New(
			log.With(logx.String("component", "httpapi")),
			apiStore, manager, eventBus, met,
			func() map[string]any { return cfg.Redacted() },
			httpapi.Options{
				Addr:          cfg.HTTP.Addr,
				RateLimitRPS:  cfg.HTTP.RateLimitRPS,
				RateBurst:     cfg.HTTP.RateBurst,
				EnableMetrics: cfg.HTTP.EnableMetrics,
				CORSOrigins:   cfg.HTTP.CORSOrigins,
			})
		go func() {
			if err := api.Start(); err != nil {
				log.Error("bridge: http api", logx.Err(err))
			}
		}()
	}

	// Bus wiring: store writes, live stream fanout, retry bookkeeping.
	eventBus.Subscribe(connector.TopicConnState, func(args ...any) error {
		if len(args) > 0 {
			if ev, ok := args[0].(core.Event); ok {
				manager.OnStateChange(ev)
				met.ConnState(ev.User.ID, string(ev.State))
			}
		}
		return nil
	}, bus.Name("manager-reset"))
	eventBus.Subscribe(router.TopicEvent, func(args ...any) error {
		if len(args) == 0 {
			return nil
		}
		ev, ok := args[0].(core.Event)
		if !ok {
			return nil
		}
		if api != nil {
			api.Broadcast(ev)
		}
		if buffered != nil && ev.Type != core.EventConnection {
			if err := buffered.Write(ev); err != nil {
				met.StoreWriteError()
				return err
			}
		}
		return nil
	}, bus.Name("persist-and-stream"))
	eventBus.Subscribe(bus.HandlerError, func(args ...any) error {
		if len(args) > 0 {
			if failure, ok := args[0].(bus.HandlerFailure); ok {
				met.HandlerError(failure.Event)
			}
		}
		return nil
	}, bus.Name("handler-error-metrics"))

	// Channel resolver, shared by connectors that accept @handles.
	var channelResolver *resolver.Resolver
	if cfg.ChannelCache.Enabled || cfg.YouTube.Enabled {
		filePath := ""
		if cfg.ChannelCache.Enabled {
			filePath = cfg.ChannelCache.FilePath
		}
		channelResolver = resolver.New(
			log.With(logx.String("component", "resolver")),
			resolver.YouTubeUpstream(nil),
			resolver.Options{FilePath: filePath, UpstreamRPS: 1},
		)
	}

	dialer := adapter.NewWSDialer(log.With(logx.String("component", "ws")), nil)
	sink := connector.RawSink(pipeline.HandleRaw)
	connSignal := connector.Signal(func(name string, args ...any) { eventBus.Emit(name, args...) })
	clog := log.With(logx.String("component", "connector"))

	if cfg.YouTube.Enabled {
		manager.Add(connector.NewYouTube(clog, clk, connector.YouTubeOptions{
			LiveURL:  cfg.YouTube.LiveURL,
			Resolver: channelResolver,
		}, sink, connSignal))
	}
	if cfg.TikTok.Enabled {
		manager.Add(connector.NewTikTok(clog, clk, dialer, connector.TikTokOptions{
			BridgeURL: cfg.TikTok.WSURL,
			RoomID:    cfg.TikTok.Room,
		}, sink, connSignal))
	}
	if cfg.Twitch.Enabled {
		tokens := connector.NewTokenSource(clog, cfg.Twitch.Token, cfg.Twitch.TokenFile)
		if err := tokens.Watch(); err != nil {
			log.Warn("bridge: twitch token watch", logx.Err(err))
		}
		defer tokens.Close()
		manager.Add(connector.NewTwitch(clog, clk, dialer, connector.TwitchOptions{
			URL:     cfg.Twitch.WSURL,
			Channel: cfg.Twitch.Channel,
			Tokens:  tokens,
		}, sink, connSignal))
	}
	if cfg.SE.Enabled {
		tokens := connector.NewTokenSource(clog, cfg.SE.Token, cfg.SE.TokenFile)
		if err := tokens.Watch(); err != nil {
			log.Warn("bridge: se token watch", logx.Err(err))
		}
		defer tokens.Close()
		manager.Add(connector.NewSE(clog, clk, dialer, connector.SEOptions{
			URL:       cfg.SE.WSURL,
			ChannelID: cfg.SE.Channel,
			Tokens:    tokens,
		}, sink, connSignal))
	}

	manager.Start()
	log.Info("bridge: running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("bridge: shutting down", logx.String("signal", sig.String()))

	manager.Stop()
	pipeline.Flush()
	eventBus.Wait()

	if buffered != nil {
		if err := buffered.Close(); err != nil {
			log.Warn("bridge: flush buffered store", logx.Err(err))
		}
	}
	if api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := api.Shutdown(ctx); err != nil {
			log.Warn("bridge: http shutdown", logx.Err(err))
		}
		cancel()
	}
	for platform, total := range goals.Totals() {
		log.Info("bridge: goal total",
			logx.String("platform", string(platform)), logx.Float64("total", total))
	}
}

// logSink is the default output sink: admitted events land in the log.
// Overlay and bot frontends subscribe over /stream instead.
type logSink struct {
	log logx.Logger
}

func (s logSink) Deliver(n router.Notification) error {
	s.log.Info("event",
		logx.String("platform", string(n.Platform)),
		logx.String("type", string(n.Type)),
		logx.String("user", n.Data.User.DisplayName),
		logx.String("message", n.Data.SanitizedMessage),
		logx.Float64("amount", n.Data.Amount))
	return nil
}
