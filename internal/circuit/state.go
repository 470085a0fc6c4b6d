package circuit

import (
	"context"
	"time"
)

// 서킷 작동 사유
const (
	ReasonConsecutiveLosses = "CONSECUTIVE_LOSSES"
	ReasonDailyLoss         = "DAILY_LOSS_LIMIT"
	ReasonExecutionFailures = "EXECUTION_FAILURES"
	ReasonHighSlippage      = "HIGH_SLIPPAGE"
	ReasonAPIErrors         = "API_ERROR_RATE"
	ReasonDrawdown          = "DRAWDOWN_LIMIT"
	ReasonMultipleMarkets   = "MULTIPLE_MARKETS_TRIPPED"
)

// GlobalKey는 글로벌 서킷을 가리키는 마켓 이름입니다
const GlobalKey = "GLOBAL"

// DateLayout은 일별 상태 키에 사용하는 날짜 형식입니다
const DateLayout = "2006-01-02"

// MarketState는 마켓별 서킷 상태입니다
type MarketState struct {
	Market                       string    `json:"market"`
	Date                         string    `json:"date"`
	ConsecutiveLosses            int       `json:"consecutive_losses"`
	ConsecutiveExecutionFailures int       `json:"consecutive_execution_failures"`
	ConsecutiveHighSlippage      int       `json:"consecutive_high_slippage"`
	DailyLossPercent             float64   `json:"daily_loss_percent"`
	DailyLossCount               int       `json:"daily_loss_count"`
	Open                         bool      `json:"open"`
	OpenedAt                     time.Time `json:"opened_at"`
	Reason                       string    `json:"reason"` // 마지막 작동 사유 (닫힌 뒤에도 유지)
	TripCount                    int       `json:"trip_count"`
}

// GlobalState는 전체 계정 단위 서킷 상태입니다
type GlobalState struct {
	Open           bool      `json:"open"`
	OpenedAt       time.Time `json:"opened_at"`
	Reason         string    `json:"reason"`
	TrippedMarkets int       `json:"tripped_markets"`
	PeakTotalAsset float64   `json:"peak_total_asset"`
	LastTotalAsset float64   `json:"last_total_asset"`
}

// Decision은 거래 가능 여부 판단 결과입니다
type Decision struct {
	Allowed bool
	Reason  string
}

// Store는 서킷 상태의 영속 저장소입니다.
// 마켓 상태는 (market, date)로 저장됩니다.
type Store interface {
	SaveMarketState(ctx context.Context, state MarketState) error
	LoadMarketStates(ctx context.Context, date string) ([]MarketState, error)
	SaveGlobalState(ctx context.Context, state GlobalState) error
	LoadGlobalState(ctx context.Context) (*GlobalState, error) // 없으면 nil
}

// Config는 서킷 브레이커 임계값입니다
type Config struct {
	ConsecutiveLossLimit     int
	DailyLossLimitPercent    float64
	ExecutionFailureLimit    int
	SlippageThresholdPercent float64
	HighSlippageLimit        int
	APIErrorLimit            int
	APIErrorWindow           time.Duration
	DrawdownLimitPercent     float64
	GlobalEscalationMarkets  int
	MarketCooldown           time.Duration
	GlobalCooldown           time.Duration
}

// DefaultConfig는 기본 임계값을 반환합니다
func DefaultConfig() Config {
	return Config{
		ConsecutiveLossLimit:     3,
		DailyLossLimitPercent:    5.0,
		ExecutionFailureLimit:    5,
		SlippageThresholdPercent: 2.0,
		HighSlippageLimit:        3,
		APIErrorLimit:            10,
		APIErrorWindow:           time.Minute,
		DrawdownLimitPercent:     10.0,
		GlobalEscalationMarkets:  2,
		MarketCooldown:           4 * time.Hour,
		GlobalCooldown:           24 * time.Hour,
	}
}
