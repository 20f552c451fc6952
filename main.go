package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/pheezz/wireguard-bot/internal/config"
	"github.com/pheezz/wireguard-bot/internal/handlers"
	"github.com/pheezz/wireguard-bot/internal/lifecycle"
	"github.com/pheezz/wireguard-bot/internal/middleware"
	"github.com/pheezz/wireguard-bot/internal/notify"
	"github.com/pheezz/wireguard-bot/internal/sweep"
	"github.com/pheezz/wireguard-bot/internal/wg"
	"github.com/pheezz/wireguard-bot/store"
)

func main() {
	_ = config.LoadEnvFile("config.env")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	redisAddr := fmt.Sprintf("%s:%s",
		config.Getenv("REDIS_HOST", "localhost"),
		config.Getenv("REDIS_PORT", "6379"),
	)
	rdb, err := store.NewRedisClient(redisAddr, os.Getenv("REDIS_PASSWORD"), config.GetenvInt("REDIS_DB", 0), "wireguard_bot")
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	pgStore, err := store.NewPostgresStore(ctx, os.Getenv("POSTGRES_DSN"))
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer pgStore.Close()

	banCache := store.NewBanCache(pgStore, rdb, 5*time.Minute)

	botToken := os.Getenv("BOT_TOKEN")
	if botToken == "" {
		log.Fatal("BOT_TOKEN environment variable is required")
	}

	httpClient := &http.Client{
		Timeout: 10 * time.Minute,
	}
	pollTimeout := 50 * time.Second

	b, err := bot.New(
		botToken,
		bot.WithHTTPClient(pollTimeout, httpClient),
	)
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}

	peerConfigs := wg.NewConfigStore(config.Getenv("WG_CONFIG_PATH", "/etc/wireguard/wg0.conf"))
	svc := wg.NewSystemdController(config.Getenv("WG_SERVICE_NAME", "wg-quick@wg0"), 15*time.Second)
	gateway := notify.NewGateway(b, 10*time.Second)

	engine := lifecycle.NewEngine(pgStore, banCache, peerConfigs, svc, gateway, lifecycle.Config{
		RestartRetries: config.GetenvInt("WG_RESTART_RETRIES", 3),
	})

	adminIDs := config.GetenvIDList("ADMIN_IDS")
	if len(adminIDs) == 0 {
		log.Println("Warning: ADMIN_IDS is empty, admin commands are disabled")
	}

	middlewares := middleware.New(banCache, rdb, adminIDs)
	h := handlers.NewHandlers(engine, pgStore, svc, middlewares.AdminOnly)

	expirySweep := sweep.New(pgStore, engine, time.Duration(config.GetenvInt("SWEEP_INTERVAL_HOURS", 1))*time.Hour)
	expirySweep.Start()
	defer expirySweep.Stop()

	handlerChain := middlewares.BanGate(
		middlewares.RateLimit(3, time.Minute)(
			h.MainHandler,
		),
	)

	b.RegisterHandlerMatchFunc(func(update *models.Update) bool {
		return update.Message != nil
	}, handlerChain)

	log.Println("Bot started. Press Ctrl+C to stop.")
	b.Start(ctx)
}
