package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/redis/go-redis/v9"

	"github.com/khaliullov/scanmycar-agent/internal/api"
	"github.com/khaliullov/scanmycar-agent/internal/autopush"
	"github.com/khaliullov/scanmycar-agent/internal/browser"
	"github.com/khaliullov/scanmycar-agent/internal/config"
	"github.com/khaliullov/scanmycar-agent/internal/dashboard"
	delivery "github.com/khaliullov/scanmycar-agent/internal/delivery/http"
	"github.com/khaliullov/scanmycar-agent/internal/domain"
	"github.com/khaliullov/scanmycar-agent/internal/logger"
	"github.com/khaliullov/scanmycar-agent/internal/metrics"
	"github.com/khaliullov/scanmycar-agent/internal/session"
	"github.com/khaliullov/scanmycar-agent/internal/telegram"
	"github.com/khaliullov/scanmycar-agent/internal/usecase"
	"github.com/khaliullov/scanmycar-agent/internal/worker"
)

const workerVersion = "v1"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	skipPlaywrightInstall := flag.Bool("skip-playwright-install", false, "Skip Playwright installation")
	flag.Parse()

	config.LoadDotEnv(".env")
	cfg, cfgMutex, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("loadConfig error: %v", err)
	}

	appLog := logger.New(logger.FromConfig(cfg.Main.LogLevel, cfg.Main.LogFormat))

	if flag.Arg(0) == "send" {
		if err := sendAlert(cfg, flag.Args()[1:]); err != nil {
			log.Fatalf("send error: %v", err)
		}
		return
	}
	m := metrics.New()
	save := func() error { return config.SaveConfig(*configPath, cfg) }

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store session.Store
	if cfg.Session.Store == "redis" {
		rs := session.NewRedisStore(&redis.Options{
			Addr:     cfg.Session.RedisAddr,
			Password: cfg.Session.RedisPassword,
			DB:       cfg.Session.RedisDB,
		})
		defer rs.Close()
		if err := rs.Ping(ctx); err != nil {
			log.Fatalf("redis error: %v", err)
		}
		store = rs
	} else {
		store = session.NewFileStore(cfg, cfgMutex, save)
	}
	sess := session.New(store, appLog)

	server := api.New(cfg.Server.BaseURL, time.Duration(cfg.Server.TimeoutSeconds)*time.Second)

	bot, err := telegram.InitTelegram(cfg)
	if err != nil {
		log.Fatalf("telegram init error: %v", err)
	}
	chat := telegram.Chat(cfg)
	notifier := telegram.NewNotifier(bot, chat, appLog)
	view := telegram.NewDashboardView(bot, chat, appLog)

	pages := dashboard.NewPages(ctx, dashboard.Options{
		Source:   server,
		View:     view,
		Owner:    sess.OwnerID,
		Interval: time.Duration(cfg.Server.PollIntervalSeconds) * time.Second,
		Logger:   appLog,
		Metrics:  m,
	})

	var clients worker.Clients = pages
	var web *browser.Clients
	if cfg.Dashboard.Clients == "browser" {
		if !*skipPlaywrightInstall {
			if err := playwright.Install(); err != nil {
				log.Fatalf("playwright install error: %v", err)
			}
		}
		web = browser.New(browser.Options{
			BaseURL:  cfg.Dashboard.BaseURL,
			Identity: sess.Current,
			Logger:   appLog,
		})
		if err := web.Launch(ctx); err != nil {
			log.Fatalf("browser error: %v", err)
		}
		defer web.Close()
		clients = web
	}

	host := worker.NewHost(worker.HostOptions{
		Registration:  notifier,
		Clients:       clients,
		DashboardPath: cfg.Dashboard.Path,
		Logger:        appLog,
		Metrics:       m,
	})
	host.Start()
	defer host.Stop()
	notifier.SetDispatcher(host)
	pages.OnEmpty(func() {
		if err := host.ClientsReleased(ctx); err != nil {
			appLog.LogError(err, "failed to activate waiting worker")
		}
	})

	var pm *usecase.PushManager
	push := autopush.New(autopush.Options{
		URL: cfg.Main.PushService,
		Hello: func() (string, []string) {
			return pm.UAID(), pm.ChannelIDs()
		},
		OnUAID: func(uaid string) {
			reset, err := pm.UpdateUAID(uaid)
			if err != nil {
				appLog.LogError(err, "failed to save UAID")
			}
			if reset {
				appLog.Warn("push subscription lost, run /subscribe again")
			}
		},
		OnNotification: func(n autopush.Notification) { pm.HandleNotification(n) },
		OnConnection: func(connected bool) {
			if connected {
				m.PushServiceStatus.Set(1)
			} else {
				m.PushServiceStatus.Set(0)
			}
		},
		Logger: appLog,
	})
	pm = usecase.NewPushManager(usecase.PushManagerOptions{
		Service:     push,
		Dispatcher:  host,
		Config:      cfg,
		ConfigMutex: cfgMutex,
		SaveConfig:  save,
		Logger:      appLog,
		Metrics:     m,
	})
	push.Start()
	defer push.Stop()

	prompt := telegram.NewPermissionPrompt(bot, chat, appLog)
	permission := usecase.NewRememberedPermission(prompt, cfg, cfgMutex, save, appLog)
	manager := usecase.NewSubscriptionManager(usecase.Environment{
		Workers:     host.Container(worker.New(workerVersion)),
		Push:        pm,
		Permissions: permission,
	}, appLog)
	notifications := usecase.NewNotifications(usecase.NotificationsOptions{
		Manager:        manager,
		API:            server,
		Owner:          sess,
		Push:           pm,
		VAPIDPublicKey: cfg.Server.VAPIDPublicKey,
		Logger:         appLog,
		Metrics:        m,
	})

	// A previously granted subscription survives restarts; bring the worker
	// back so pushes are shown straight away.
	if _, ok := pm.GetSubscription(ctx); ok {
		if err := host.Register(ctx, worker.New(workerVersion)); err != nil {
			appLog.LogError(err, "failed to register worker")
		}
	}

	commands := telegram.NewCommands(ctx, telegram.CommandsOptions{
		ChatID:        cfg.Telegram.ChatID,
		DashboardPath: cfg.Dashboard.Path,
		Pages:         pages,
		View:          view,
		Notifier:      notifier,
		Permission:    prompt,
		Notifications: notifications,
		Lookup:        server,
		Identity:      sess,
		Logger:        appLog,
	})
	commands.Bind(bot)
	go bot.Start()
	defer bot.Stop()
	defer pages.CloseAll()

	var origins []string
	if cfg.Dashboard.BaseURL != "" {
		origins = []string{cfg.Dashboard.BaseURL}
	}
	handler := delivery.NewHandler(delivery.HandlerOptions{
		Notifications:  notifications,
		Subscriptions:  pm,
		Server:         server,
		Identity:       sess,
		Display:        notifier,
		DashboardPath:  cfg.Dashboard.Path,
		AllowedOrigins: origins,
		Metrics:        m,
		Logger:         appLog,
	})
	if err := delivery.StartWebServer(ctx, cfg.Main.ListenPort, handler.Routes(), appLog); err != nil {
		appLog.LogError(err, "web server stopped")
	}
	appLog.Info("shutting down", slog.Int("port", cfg.Main.ListenPort))
}

// sendAlert posts an alert the way the scan page does, for end-to-end checks:
//
//	scanmycar-agent send <vehicleID> <message...>
func sendAlert(cfg *domain.Config, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: send <vehicleID> <message>")
	}
	id, ok := domain.ParseID(args[0])
	if !ok {
		return fmt.Errorf("invalid vehicle id %q", args[0])
	}
	message := strings.Join(args[1:], " ")

	server := api.New(cfg.Server.BaseURL, time.Duration(cfg.Server.TimeoutSeconds)*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), api.DefaultTimeout)
	defer cancel()
	if err := server.SendAlert(ctx, id, message); err != nil {
		return err
	}
	fmt.Printf("alert sent to vehicle %s\n", id)
	return nil
}
