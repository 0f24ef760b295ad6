package main

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/telares/walletledger/internal/limits"
	"github.com/telares/walletledger/pkg/money"
)

type config struct {
	Port        string
	DatabaseURL string
	NatsURL     string
	RedisURL    string
	JWTSecret   string
	Currency    string
	Limits      limits.Config
}

func loadConfig() (*config, error) {
	cfg := &config{
		Port:     envOr("PORT", "8010"),
		NatsURL:  os.Getenv("NATS_URL"),
		RedisURL: os.Getenv("REDIS_URL"),
		Currency: envOr("CURRENCY", "MXN"),
		Limits:   limits.DefaultConfig(),
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	var err error
	if cfg.Limits.MinAmount, err = envDecimal("MIN_AMOUNT", cfg.Limits.MinAmount); err != nil {
		return nil, err
	}
	if cfg.Limits.MaxAmount, err = envDecimal("MAX_AMOUNT", cfg.Limits.MaxAmount); err != nil {
		return nil, err
	}
	if cfg.Limits.BlockCeiling, err = envDecimal("BLOCK_CEILING", cfg.Limits.BlockCeiling); err != nil {
		return nil, err
	}
	if cfg.Limits.DailyCeiling, err = envDecimal("DAILY_CEILING", cfg.Limits.DailyCeiling); err != nil {
		return nil, err
	}
	if cfg.Limits.MinAmount.GreaterThan(cfg.Limits.MaxAmount) {
		return nil, fmt.Errorf("MIN_AMOUNT exceeds MAX_AMOUNT")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDecimal(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := money.Parse(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
