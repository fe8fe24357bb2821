package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"marketdata-relay/config"
	"marketdata-relay/internal/domain/symbol"
	"marketdata-relay/internal/redis"
	"marketdata-relay/internal/repository"
	"marketdata-relay/internal/services"
	"marketdata-relay/pkg/database"
	relay_errors "marketdata-relay/pkg/errors"
	"marketdata-relay/pkg/keyvault"
	"marketdata-relay/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
)

const usage = `
Market Data Relay - Database CLI Tool

Usage:
  migrate [command] [flags]

Commands:
  up          Apply the embedded SQL migrations
  status      Show database connection status and table row counts
  seed-dev    Seed a demo user, API key, broker and symbols, then print a session token
  revoke      Revoke a user's broker auth, and a session token when -token is given
  reset-limits  Clear a user's search and subscribe rate limits
  truncate    Truncate all tables (DANGEROUS)

Flags:
  -user string     Username for seed-dev (default "demo")
  -api-key string  API key for seed-dev (default "demo-api-key")
  -broker string   Broker for seed-dev (default "zerodha")
  -token string    Session token for revoke

Examples:
  go run cmd/migrate/main.go up
  go run cmd/migrate/main.go seed-dev -user alice
  go run cmd/migrate/main.go revoke -user alice -token eyJ...
`

var tables = []string{"api_keys", "auth", "symtoken"}

func main() {
	user := flag.String("user", "demo", "Username for seed-dev")
	apiKey := flag.String("api-key", "demo-api-key", "API key for seed-dev")
	broker := flag.String("broker", "zerodha", "Broker for seed-dev")
	token := flag.String("token", "", "Session token for revoke")

	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	command := flag.Arg(0)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Database connection failed: %v", err)
	}
	defer pool.Close()

	switch command {
	case "up":
		runMigrationsUp(ctx, pool, cfg)
	case "status":
		showStatus(ctx, pool)
	case "seed-dev":
		runSeedDevelopment(ctx, pool, cfg, *user, *apiKey, *broker)
	case "revoke":
		runRevoke(ctx, pool, cfg, *user, *token)
	case "reset-limits":
		runResetLimits(ctx, cfg, *user)
	case "truncate":
		runTruncate(ctx, pool)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func runMigrationsUp(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) {
	log.Println("🚀 Running migrations UP...")

	if err := database.ApplyMigrations(ctx, pool, logger.New(cfg.LogMode)); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	log.Println("✅ Migrations completed successfully!")
}

func showStatus(ctx context.Context, pool *pgxpool.Pool) {
	log.Println("🔍 Checking database status...")

	if err := database.HealthCheck(ctx, pool); err != nil {
		log.Fatalf("❌ Database connection failed: %v", err)
	}
	log.Println("✅ Database connection: OK")

	for _, table := range tables {
		var count int64
		// table names come from the fixed list above
		err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			log.Printf("❌ Table %-20s unavailable: %v", table, err)
			continue
		}
		log.Printf("✅ Table %-20s exists (%d rows)", table, count)
	}
}

var devSymbols = []symbol.Symbol{
	{Symbol: "INFY", BrSymbol: "INFY-EQ", Name: "INFOSYS LIMITED", Exchange: "NSE", BrExchange: "NSE", Token: "1594", LotSize: 1, InstrumentType: "EQ", TickSize: 0.05},
	{Symbol: "TCS", BrSymbol: "TCS-EQ", Name: "TATA CONSULTANCY SERV LT", Exchange: "NSE", BrExchange: "NSE", Token: "11536", LotSize: 1, InstrumentType: "EQ", TickSize: 0.05},
	{Symbol: "RELIANCE", BrSymbol: "RELIANCE-EQ", Name: "RELIANCE INDUSTRIES LTD", Exchange: "NSE", BrExchange: "NSE", Token: "2885", LotSize: 1, InstrumentType: "EQ", TickSize: 0.05},
	{Symbol: "SBIN", BrSymbol: "SBIN", Name: "STATE BANK OF INDIA", Exchange: "BSE", BrExchange: "BSE", Token: "500112", LotSize: 1, InstrumentType: "EQ", TickSize: 0.05},
	{Symbol: "NIFTY", BrSymbol: "Nifty 50", Name: "NIFTY 50", Exchange: "NSE_INDEX", BrExchange: "NSE", Token: "26000", LotSize: 1, InstrumentType: "INDEX", TickSize: 0.05},
}

func runSeedDevelopment(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config, user, apiKey, broker string) {
	log.Println("🌱 Seeding database (development mode)...")

	vault, err := keyvault.New(cfg.APIKeyPepper)
	if err != nil {
		log.Fatalf("❌ Key vault: %v", err)
	}
	authRepo := repository.NewAuthRepository(pool, vault)
	if err := authRepo.UpsertAPIKey(ctx, user, apiKey); err != nil {
		log.Fatalf("❌ Seeding api key failed: %v", err)
	}
	if err := authRepo.UpsertAuth(ctx, user, broker, "dev-auth-token"); err != nil {
		log.Fatalf("❌ Seeding broker auth failed: %v", err)
	}

	symbolRepo := repository.NewSymbolRepository(pool, cfg.SearchLimit)
	if err := symbolRepo.Insert(ctx, devSymbols); err != nil {
		if !errors.Is(err, relay_errors.ErrAlreadyExists) {
			log.Fatalf("❌ Seeding symbols failed: %v", err)
		}
		log.Println("⚠️  Symbols already seeded")
	}

	redisClient := newRedisClient(cfg)
	defer redisClient.Close()

	authService, err := services.NewAuthService(redis.NewSessionStore(redisClient, cfg.SessionCacheTTL), cfg)
	if err != nil {
		log.Fatalf("❌ Auth service: %v", err)
	}
	token, expiresAt, err := authService.IssueSession(ctx, user)
	if err != nil {
		log.Fatalf("❌ Issuing session failed: %v", err)
	}

	log.Println("📊 Seed Summary:")
	log.Printf("   - User: %s (broker %s)", user, broker)
	log.Printf("   - Symbols: %d", len(devSymbols))
	log.Printf("   - Session expires: %s", expiresAt.Format(time.RFC3339))
	fmt.Println(token)
	log.Println("✅ Development seeding completed!")
}

func newRedisClient(cfg *config.Config) *goredis.Client {
	return redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func runRevoke(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config, user, token string) {
	log.Printf("🔒 Revoking access for %s...", user)

	vault, err := keyvault.New(cfg.APIKeyPepper)
	if err != nil {
		log.Fatalf("❌ Key vault: %v", err)
	}
	if err := repository.NewAuthRepository(pool, vault).RevokeAuth(ctx, user); err != nil {
		log.Fatalf("❌ Revoking broker auth failed: %v", err)
	}
	log.Println("✅ Broker auth revoked")

	if token == "" {
		return
	}
	redisClient := newRedisClient(cfg)
	defer redisClient.Close()

	authService, err := services.NewAuthService(redis.NewSessionStore(redisClient, cfg.SessionCacheTTL), cfg)
	if err != nil {
		log.Fatalf("❌ Auth service: %v", err)
	}
	if err := authService.Revoke(ctx, token); err != nil {
		log.Fatalf("❌ Revoking session failed: %v", err)
	}
	log.Println("✅ Session revoked")
}

func runResetLimits(ctx context.Context, cfg *config.Config, user string) {
	redisClient := newRedisClient(cfg)
	defer redisClient.Close()

	limiter := redis.NewRateLimiter(redisClient, redis.DefaultRateLimitConfig())
	if err := limiter.ResetUser(ctx, user); err != nil {
		log.Fatalf("❌ Resetting rate limits failed: %v", err)
	}
	log.Printf("✅ Rate limits cleared for %s", user)
}

func runTruncate(ctx context.Context, pool *pgxpool.Pool) {
	log.Println("⚠️  WARNING: This will TRUNCATE all tables!")

	if _, err := pool.Exec(ctx, "TRUNCATE api_keys, auth, symtoken RESTART IDENTITY"); err != nil {
		log.Fatalf("❌ Truncate failed: %v", err)
	}

	log.Println("✅ All tables truncated!")
}
