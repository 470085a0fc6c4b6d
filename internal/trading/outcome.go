package trading

import (
	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/execution"
	"github.com/assist-by/bulwark/internal/position"
)

// 시그널을 실행하지 않은 사유 코드. 실행기 거부는 execution.Reason* 코드를 그대로 씁니다.
const (
	SkipInvalidSignal       = "INVALID_SIGNAL"
	SkipHold                = "HOLD"
	SkipMarketNotConfigured = "MARKET_NOT_CONFIGURED"
	SkipCollision           = "POSITION_COLLISION"
	SkipCircuitOpen         = "CIRCUIT_OPEN"
	SkipReentryCooldown     = "REENTRY_COOLDOWN"
	SkipMinHolding          = "MIN_HOLDING"
	SkipSizeZero            = "SIZE_ZERO"
	SkipNoPosition          = "NO_POSITION"
	SkipNotClosable         = "NOT_CLOSABLE"
	SkipEntryNotFilled      = "ENTRY_NOT_FILLED"
	SkipCloseFailed         = "CLOSE_FAILED"
	SkipUnpriced            = "UNPRICED_FILL"
	SkipPositionBusy        = "POSITION_BUSY"
)

// Outcome은 시그널 하나를 처리한 결과입니다
type Outcome struct {
	Action   domain.Action
	Market   string
	Executed bool   // 체결이 포지션에 반영되었는지
	Skipped  string // 실행하지 않았거나 실패한 사유 코드
	Detail   string

	Result   *execution.Result
	Position *position.Position // 처리 후 포지션 스냅샷
}
