package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ApplyEnv overlays recognized environment variables onto cfg. A local .env
// file is read first; real environment variables win over .env entries.
func ApplyEnv(cfg *Config) {
	_ = godotenv.Load()

	if v, ok := envList("BOT_SYMBOLS"); ok {
		cfg.Symbols = v
	}
	if v, ok := envList("BOT_KLINE_INTERVALS"); ok {
		cfg.Klines.Timeframes = v
	} else if v, ok := envList("BOT_KLINE_TF"); ok {
		cfg.Klines.Timeframes = v
	}
	if v, ok := envInt("BOT_KLINE_LIMIT"); ok && v > 0 {
		cfg.Klines.BootstrapLimit = v
	}
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("BOT_TARGET_MARKET_TYPE"))); v != "" {
		if v == "unset" {
			v = ""
		}
		cfg.TargetMarketType = v
	}

	envFlag("BOT_TRADES_ENABLED", &cfg.Features.Trades)
	envFlag("BOT_ORDERBOOK_ENABLED", &cfg.Features.Orderbook)
	envFlag("BOT_OI_ENABLED", &cfg.Features.OI)
	envFlag("BOT_FUNDING_ENABLED", &cfg.Features.Funding)
	envFlag("BOT_LIQUIDATIONS_ENABLED", &cfg.Features.Liquidations)
	envFlag("BOT_KLINES_ENABLED", &cfg.Features.Klines)
	envFlag("BOT_SPOT_ENABLED", &cfg.Features.Spot)

	if v, ok := envInt("BOT_ORDERBOOK_DEPTH"); ok && v > 0 {
		cfg.Venues.Binance.OrderbookDepth = v
		cfg.Venues.Bybit.OrderbookDepth = v
		cfg.Venues.OKX.OrderbookDepth = v
	}

	envFlag("BOT_CVD_DEBUG", &cfg.Debug.CVD)
	envFlag("BOT_FLOW_DEBUG", &cfg.Debug.Flow)
	envFlag("BOT_READINESS_DEBUG", &cfg.Debug.Readiness)
	envFlag("BOT_GAP_DEBUG", &cfg.Debug.Gap)

	if v := strings.TrimSpace(os.Getenv("WEIR_JOURNAL_DIR")); v != "" {
		cfg.Journal.BaseDir = v
	}
	if v := strings.TrimSpace(os.Getenv("WEIR_STATE_DIR")); v != "" {
		cfg.State.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv("WEIR_PG_DSN")); v != "" {
		cfg.State.PgDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("WEIR_REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("WEIR_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("WEIR_CONTROL_LISTEN")); v != "" {
		cfg.Control.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("WEIR_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
}

func envList(name string) ([]string, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, false
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

func envInt(name string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// envFlag writes a recognized boolean value into dst and leaves dst alone
// for unset or unparseable values.
func envFlag(name string, dst *bool) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}
