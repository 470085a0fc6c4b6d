package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/assist-by/bulwark/internal/circuit"
	"github.com/assist-by/bulwark/internal/execution"
	"github.com/assist-by/bulwark/internal/logger"
	"github.com/assist-by/bulwark/internal/position"
	"github.com/assist-by/bulwark/internal/risk"
)

type Config struct {
	// 거래소 설정
	Exchange struct {
		Mode          string  `envconfig:"EXCHANGE_MODE" default:"paper"`
		QuoteCurrency string  `envconfig:"QUOTE_CURRENCY" default:"KRW"`
		FeeRate       float64 `envconfig:"FEE_RATE" default:"0.0005"`
	}

	// 모의 거래소 설정
	Paper struct {
		InitialBalance float64            `envconfig:"PAPER_INITIAL_BALANCE" default:"1000000"`
		Prices         map[string]float64 `envconfig:"PAPER_PRICES" default:"KRW-BTC:50000000,KRW-ETH:3000000"`
		SpreadPercent  float64            `envconfig:"PAPER_SPREAD_PERCENT" default:"0.05"`
	}

	// 디스코드 웹훅 설정 (비어 있으면 전송하지 않음)
	Discord struct {
		TradeWebhook string `envconfig:"DISCORD_TRADE_WEBHOOK"`
		ErrorWebhook string `envconfig:"DISCORD_ERROR_WEBHOOK"`
		InfoWebhook  string `envconfig:"DISCORD_INFO_WEBHOOK"`
	}

	// 애플리케이션 설정
	App struct {
		Strategies            []string      `envconfig:"STRATEGIES" default:"trend,breakout"`
		Markets               []string      `envconfig:"MARKETS" default:"KRW-BTC,KRW-ETH"`
		MarketOrderStrategies []string      `envconfig:"MARKET_ORDER_STRATEGIES" default:"scalp"`
		SignalDir             string        `envconfig:"SIGNAL_DIR" default:"signals"`
		SignalInterval        time.Duration `envconfig:"SIGNAL_INTERVAL" default:"5m"`
		MonitorInterval       time.Duration `envconfig:"POSITION_MONITOR_INTERVAL" default:"30s"`
		AccountInterval       time.Duration `envconfig:"ACCOUNT_MONITOR_INTERVAL" default:"1m"`
		ReconcileInterval     time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
	}

	// 로그 설정
	Log struct {
		Level      string `envconfig:"LOG_LEVEL" default:"info"`
		File       string `envconfig:"LOG_FILE" default:"logs/bulwark.log"`
		MaxSize    int    `envconfig:"LOG_MAX_SIZE" default:"100"`
		MaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"5"`
		MaxAge     int    `envconfig:"LOG_MAX_AGE" default:"30"`
		Compress   bool   `envconfig:"LOG_COMPRESS" default:"true"`
	}

	// 저장소 설정
	Storage struct {
		SQLitePath string `envconfig:"SQLITE_PATH" default:"data/bulwark.db"`
		BadgerDir  string `envconfig:"BADGER_DIR" default:"data/circuit"`
	}

	// 서킷 브레이커 설정
	Circuit struct {
		ConsecutiveLossLimit     int           `envconfig:"CB_CONSECUTIVE_LOSSES" default:"3"`
		DailyLossLimitPercent    float64       `envconfig:"CB_DAILY_LOSS_PERCENT" default:"5"`
		ExecutionFailureLimit    int           `envconfig:"CB_EXECUTION_FAILURES" default:"5"`
		SlippageThresholdPercent float64       `envconfig:"CB_SLIPPAGE_PERCENT" default:"2"`
		HighSlippageLimit        int           `envconfig:"CB_HIGH_SLIPPAGE_COUNT" default:"3"`
		APIErrorLimit            int           `envconfig:"CB_API_ERRORS" default:"10"`
		APIErrorWindow           time.Duration `envconfig:"CB_API_ERROR_WINDOW" default:"1m"`
		DrawdownLimitPercent     float64       `envconfig:"CB_DRAWDOWN_PERCENT" default:"10"`
		GlobalEscalationMarkets  int           `envconfig:"CB_ESCALATION_MARKETS" default:"2"`
		MarketCooldown           time.Duration `envconfig:"CB_MARKET_COOLDOWN" default:"4h"`
		GlobalCooldown           time.Duration `envconfig:"CB_GLOBAL_COOLDOWN" default:"24h"`
	}

	// 포지션 사이즈와 청산 조건
	Sizing struct {
		MinOrderAmount            float64       `envconfig:"MIN_ORDER_AMOUNT" default:"5000"`
		MaxRiskPercent            float64       `envconfig:"MAX_RISK_PERCENT" default:"2"`
		DefaultStopLossPercent    float64       `envconfig:"STOP_LOSS_PERCENT" default:"2"`
		DefaultTakeProfitPercent  float64       `envconfig:"TAKE_PROFIT_PERCENT" default:"4"`
		TrailingActivationPercent float64       `envconfig:"TRAILING_ACTIVATION_PERCENT" default:"1.5"`
		TrailingOffsetPercent     float64       `envconfig:"TRAILING_OFFSET_PERCENT" default:"1"`
		MaxHolding                time.Duration `envconfig:"MAX_HOLDING" default:"24h"`
	}

	// 리스크 스로틀 설정
	Throttle struct {
		Enabled                   bool          `envconfig:"THROTTLE_ENABLED" default:"true"`
		Lookback                  int           `envconfig:"THROTTLE_LOOKBACK" default:"20"`
		MinSampleSize             int           `envconfig:"THROTTLE_MIN_SAMPLE" default:"5"`
		WeakWinRate               float64       `envconfig:"THROTTLE_WEAK_WIN_RATE" default:"0.40"`
		WeakAvgPnLPercent         float64       `envconfig:"THROTTLE_WEAK_AVG_PNL" default:"-0.3"`
		WeakMultiplier            float64       `envconfig:"THROTTLE_WEAK_MULTIPLIER" default:"0.7"`
		CriticalWinRate           float64       `envconfig:"THROTTLE_CRITICAL_WIN_RATE" default:"0.25"`
		CriticalAvgPnLPercent     float64       `envconfig:"THROTTLE_CRITICAL_AVG_PNL" default:"-1.0"`
		CriticalConsecutiveLosses int           `envconfig:"THROTTLE_CRITICAL_LOSSES" default:"4"`
		CriticalMultiplier        float64       `envconfig:"THROTTLE_CRITICAL_MULTIPLIER" default:"0.45"`
		CacheTTL                  time.Duration `envconfig:"THROTTLE_CACHE_TTL" default:"30s"`
	}

	// 주문 실행 설정
	Execution struct {
		MinBuyConfidence float64       `envconfig:"MIN_BUY_CONFIDENCE" default:"60"`
		MaxReorders      int           `envconfig:"MAX_REORDERS" default:"2"`
		StatusPolls      int           `envconfig:"ORDER_STATUS_POLLS" default:"3"`
		PollInterval     time.Duration `envconfig:"ORDER_POLL_INTERVAL" default:"500ms"`
		RetryAttempts    int           `envconfig:"ORDER_RETRY_ATTEMPTS" default:"3"`
		RetryBaseDelay   time.Duration `envconfig:"ORDER_RETRY_BASE_DELAY" default:"1s"`
		RetryMaxDelay    time.Duration `envconfig:"ORDER_RETRY_MAX_DELAY" default:"4s"`
		MaxSpreadPercent float64       `envconfig:"MAX_SPREAD_PERCENT" default:"0.5"`
		MinTopValue      float64       `envconfig:"MIN_TOP_OF_BOOK_VALUE" default:"0"`
	}

	// 보유/재진입 가드 설정
	Guard struct {
		MinHolding      time.Duration `envconfig:"MIN_HOLDING" default:"10m"`
		ReentryCooldown time.Duration `envconfig:"REENTRY_COOLDOWN" default:"15m"`
	}

	// 엔진 간 중복 진입 방지 설정
	Collision struct {
		CacheTTL    time.Duration `envconfig:"COLLISION_CACHE_TTL" default:"5s"`
		DustValue   float64       `envconfig:"DUST_VALUE" default:"5000"`
		RetryBudget int           `envconfig:"CLOSE_RETRY_BUDGET" default:"5"`
	}
}

// ValidateConfig는 설정이 유효한지 확인합니다.
func ValidateConfig(cfg *Config) error {
	if cfg.Exchange.Mode != "paper" {
		return fmt.Errorf("EXCHANGE_MODE=%q 는 지원하지 않습니다 (paper만 내장)", cfg.Exchange.Mode)
	}
	if cfg.Exchange.FeeRate < 0 || cfg.Exchange.FeeRate >= 0.01 {
		return fmt.Errorf("FEE_RATE는 0 이상 0.01 미만이어야 합니다")
	}
	if len(cfg.App.Strategies) == 0 || len(cfg.App.Markets) == 0 {
		return fmt.Errorf("STRATEGIES와 MARKETS는 비어 있을 수 없습니다")
	}
	for name, d := range map[string]time.Duration{
		"SIGNAL_INTERVAL":           cfg.App.SignalInterval,
		"POSITION_MONITOR_INTERVAL": cfg.App.MonitorInterval,
		"ACCOUNT_MONITOR_INTERVAL":  cfg.App.AccountInterval,
		"RECONCILE_INTERVAL":        cfg.App.ReconcileInterval,
		"CB_API_ERROR_WINDOW":       cfg.Circuit.APIErrorWindow,
		"CB_MARKET_COOLDOWN":        cfg.Circuit.MarketCooldown,
		"CB_GLOBAL_COOLDOWN":        cfg.Circuit.GlobalCooldown,
		"COLLISION_CACHE_TTL":       cfg.Collision.CacheTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s는 0보다 커야 합니다", name)
		}
	}

	c := cfg.Circuit
	if c.ConsecutiveLossLimit < 1 || c.ExecutionFailureLimit < 1 || c.HighSlippageLimit < 1 || c.APIErrorLimit < 1 {
		return fmt.Errorf("서킷 브레이커 횟수 임계값은 1 이상이어야 합니다")
	}
	if c.DailyLossLimitPercent <= 0 || c.SlippageThresholdPercent <= 0 || c.DrawdownLimitPercent <= 0 {
		return fmt.Errorf("서킷 브레이커 비율 임계값은 0보다 커야 합니다")
	}
	if c.GlobalEscalationMarkets < 2 {
		return fmt.Errorf("CB_ESCALATION_MARKETS는 2 이상이어야 합니다")
	}

	if cfg.Sizing.MinOrderAmount <= 0 || cfg.Sizing.MaxRiskPercent <= 0 || cfg.Sizing.DefaultStopLossPercent <= 0 {
		return fmt.Errorf("최소 주문 금액, 최대 리스크, 기본 손절 비율은 0보다 커야 합니다")
	}

	t := cfg.Throttle
	for _, m := range []float64{t.WeakMultiplier, t.CriticalMultiplier} {
		if m <= 0 || m > 1 {
			return fmt.Errorf("스로틀 배수는 (0, 1] 범위여야 합니다: %v", m)
		}
	}
	if t.Lookback < t.MinSampleSize || t.MinSampleSize < 1 {
		return fmt.Errorf("THROTTLE_LOOKBACK은 THROTTLE_MIN_SAMPLE 이상이어야 합니다")
	}

	if cfg.Execution.RetryAttempts < 1 || cfg.Execution.MaxReorders < 0 {
		return fmt.Errorf("ORDER_RETRY_ATTEMPTS는 1 이상, MAX_REORDERS는 0 이상이어야 합니다")
	}
	if cfg.Guard.MinHolding < 0 || cfg.Guard.ReentryCooldown < 0 {
		return fmt.Errorf("가드 시간은 음수일 수 없습니다")
	}
	if cfg.Collision.RetryBudget < 1 {
		return fmt.Errorf("CLOSE_RETRY_BUDGET은 1 이상이어야 합니다")
	}
	return nil
}

// LoadConfig는 환경변수에서 설정을 로드합니다.
// .env 파일이 없으면 환경변수와 기본값만 사용합니다.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf(".env 파일 로드 실패: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("환경변수 처리 실패: %w", err)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("설정값 검증 실패: %w", err)
	}

	return &cfg, nil
}

// LoggerConfig는 로그 설정을 반환합니다
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Log.Level,
		OutputFile: c.Log.File,
		MaxSize:    c.Log.MaxSize,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAge,
		Compress:   c.Log.Compress,
	}
}

// CircuitConfig는 서킷 브레이커 설정을 반환합니다
func (c *Config) CircuitConfig() circuit.Config {
	return circuit.Config(c.Circuit)
}

// ThrottleConfig는 리스크 스로틀 설정을 반환합니다
func (c *Config) ThrottleConfig() risk.Config {
	return risk.Config(c.Throttle)
}

// SizingConfig는 포지션 사이즈 설정을 반환합니다
func (c *Config) SizingConfig() position.SizingConfig {
	return position.SizingConfig{
		MinOrderAmount:         c.Sizing.MinOrderAmount,
		FeeRate:                c.Exchange.FeeRate,
		MaxRiskPercent:         c.Sizing.MaxRiskPercent,
		DefaultStopLossPercent: c.Sizing.DefaultStopLossPercent,
	}
}

// ExecutionConfig는 주문 실행 설정을 반환합니다
func (c *Config) ExecutionConfig() execution.Config {
	return execution.Config{
		MinOrderAmount:   c.Sizing.MinOrderAmount,
		FeeRate:          c.Exchange.FeeRate,
		MinBuyConfidence: c.Execution.MinBuyConfidence,
		MaxReorders:      c.Execution.MaxReorders,
		StatusPolls:      c.Execution.StatusPolls,
		PollInterval:     c.Execution.PollInterval,
		Retry: execution.RetryConfig{
			MaxAttempts: c.Execution.RetryAttempts,
			BaseDelay:   c.Execution.RetryBaseDelay,
			MaxDelay:    c.Execution.RetryMaxDelay,
			Factor:      2,
		},
	}
}

// GuardConfig는 보유/재진입 가드 설정을 반환합니다
func (c *Config) GuardConfig() position.GuardConfig {
	return position.GuardConfig(c.Guard)
}
