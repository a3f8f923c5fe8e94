package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"chatsync/api"
	"chatsync/call"
	"chatsync/channel"
	"chatsync/chat"
	"chatsync/config"
	"chatsync/discovery"
	"chatsync/logging"
	"chatsync/metrics"
	"chatsync/models"
	"chatsync/rtc"
	"chatsync/session"
	"chatsync/storage"
)

type runFlags struct {
	token     string
	serverURL string
	apiURL    string
	open      string
	send      string
	call      string
	video     bool
}

func newRunCommand() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the relay and keep conversations in sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.token, "token", "", "bearer token (overrides config and "+config.EnvToken+")")
	cmd.Flags().StringVar(&flags.serverURL, "server", "", "relay websocket url, discovered on the LAN when empty")
	cmd.Flags().StringVar(&flags.apiURL, "api", "", "REST API base url")
	cmd.Flags().StringVar(&flags.open, "open", "", "conversation to open, e.g. group:team or a user id")
	cmd.Flags().StringVar(&flags.send, "send", "", "text to send to the opened conversation once")
	cmd.Flags().StringVar(&flags.call, "call", "", "user id to call after connecting")
	cmd.Flags().BoolVar(&flags.video, "video", false, "place a video call instead of voice")
	return cmd
}

func run(parent context.Context, flags runFlags) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("startup failed while loading config: %w", err)
	}
	if flags.token != "" {
		cfg.Token = flags.token
	}
	if flags.serverURL != "" {
		cfg.ServerURL = flags.serverURL
	}
	if flags.apiURL != "" {
		cfg.APIURL = flags.apiURL
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("startup failed while building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, dbPath, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		return fmt.Errorf("startup failed while opening database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database_close_failed", zap.Error(err))
		}
	}()

	userID, displayName, err := session.UserIDFromToken(cfg.Token)
	if err != nil {
		return fmt.Errorf("startup failed while reading token: %w", err)
	}

	if cfg.ServerURL == "" {
		relay, err := discovery.FindRelay(ctx, discovery.Config{})
		if err != nil {
			return fmt.Errorf("no server url configured and relay discovery failed: %w", err)
		}
		cfg.ServerURL = relay.URL()
		logger.Info("relay_discovered", zap.String("instance", relay.Instance), zap.String("url", cfg.ServerURL))
	}

	logger.Info("starting",
		zap.String("user_id", userID),
		zap.String("device_id", cfg.DeviceID),
		zap.String("config", cfgPath),
		zap.String("database", dbPath),
		zap.String("server", cfg.ServerURL))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("startup failed while registering metrics: %w", err)
	}
	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, cfg.MetricsAddr, registry, logger)
	}

	ws, err := channel.NewWebsocket(channel.WebsocketOptions{
		URL:    cfg.ServerURL,
		Token:  cfg.Token,
		SelfID: userID,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("startup failed while creating channel: %w", err)
	}
	sess, err := session.New(userID, displayName, ws)
	if err != nil {
		return err
	}

	client, err := api.New(api.Options{
		BaseURL: cfg.APIURL,
		Token:   cfg.Token,
		Self:    userID,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("startup failed while creating api client: %w", err)
	}

	chatEngine, err := chat.NewEngine(chat.Options{
		Session:  sess,
		API:      client,
		Cache:    store,
		Metrics:  m,
		Logger:   logger,
		PageSize: cfg.PageSize,
	})
	if err != nil {
		return err
	}
	if cached, err := store.ListConversations(); err != nil {
		logger.Warn("cached_conversations_unavailable", zap.Error(err))
	} else {
		chatEngine.SeedConversations(cached)
	}

	callEngine, err := call.NewEngine(call.Options{
		Session: sess,
		Peers:   rtc.NewFactory(cfg.ICEServers, logger),
		Media:   rtc.Media{},
		History: store,
		Metrics: m,
		Logger:  logger,
		OnChange: func(s call.Snapshot) {
			logger.Info("call_status",
				zap.String("call_id", s.CallID),
				zap.String("status", string(s.Status)),
				zap.String("remote", s.RemotePartyID),
				zap.String("last_reason", string(s.LastReason)))
		},
	})
	if err != nil {
		return err
	}

	chatEngine.Attach()
	callEngine.Attach()
	ws.Start()
	defer func() {
		if err := ws.Close(); err != nil {
			logger.Warn("channel_close_failed", zap.Error(err))
		}
	}()

	go logNotices(ctx, logger, chatEngine.Notices(), callEngine.Notices())
	go chat.NewHealer(chatEngine, chat.HealerOptions{Interval: cfg.HealInterval, Logger: logger}).Run(ctx)

	if err := startActions(ctx, flags, ws, chatEngine, callEngine); err != nil {
		logger.Error("startup_action_failed", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("shutting_down")

	shutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := callEngine.EndCall(shutdown, call.ReasonUnload); err != nil {
		logger.Warn("call_end_on_shutdown_failed", zap.Error(err))
	}
	callEngine.Detach()
	chatEngine.Detach()
	return nil
}

// startActions runs the one-shot --open, --send and --call flags.
func startActions(ctx context.Context, flags runFlags, ch channel.Channel, chatEngine *chat.Engine, callEngine *call.Engine) error {
	if flags.open != "" {
		target, err := parseTarget(flags.open)
		if err != nil {
			return err
		}
		if err := chatEngine.SelectConversation(ctx, target); err != nil {
			return fmt.Errorf("open %s: %w", target, err)
		}
		if flags.send != "" {
			if _, err := chatEngine.SendMessage(ctx, target, models.Body{Kind: models.BodyText, Text: flags.send}); err != nil {
				return fmt.Errorf("send to %s: %w", target, err)
			}
		}
	} else if flags.send != "" {
		return errors.New("--send requires --open")
	}

	if flags.call != "" {
		kind := models.MediaVoice
		if flags.video {
			kind = models.MediaVideo
		}
		if err := waitConnected(ctx, ch); err != nil {
			return err
		}
		if _, err := callEngine.StartCall(ctx, flags.call, kind); err != nil {
			return fmt.Errorf("call %s: %w", flags.call, err)
		}
	}
	return nil
}

// waitConnected polls until the channel is up so a call is not rejected
// while the first connect is still in flight.
func waitConnected(ctx context.Context, ch channel.Channel) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(channel.DefaultHandshakeTimeout)
	for !ch.Connected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return call.ErrChannelDisconnected
		case <-ticker.C:
		}
	}
	return nil
}

func logNotices(ctx context.Context, logger *zap.Logger, sources ...<-chan models.Notice) {
	for _, src := range sources {
		go func(src <-chan models.Notice) {
			for {
				select {
				case <-ctx.Done():
					return
				case n := <-src:
					fields := []zap.Field{
						zap.String("source", n.Source),
						zap.String("message", n.Message),
						zap.Error(n.Err),
					}
					if n.Level == models.NoticeError {
						logger.Warn("notice", fields...)
					} else {
						logger.Info("notice", fields...)
					}
				}
			}
		}(src)
	}
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *zap.Logger) {
	handler := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &fasthttp.Server{
		Handler: func(rc *fasthttp.RequestCtx) {
			if string(rc.Path()) != "/metrics" {
				rc.SetStatusCode(fasthttp.StatusNotFound)
				return
			}
			handler(rc)
		},
		Name: "chatsync-metrics",
	}
	go func() {
		if err := server.ListenAndServe(addr); err != nil {
			logger.Warn("metrics_server_stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = server.Shutdown()
	}()
	logger.Info("metrics_listening", zap.String("addr", addr))
}
