package position

import "fmt"

// Error 타입들은 포지션 관리 중 발생할 수 있는 다양한 에러를 정의합니다
var (
	ErrPositionExists       = fmt.Errorf("이미 해당 마켓에 포지션이 존재합니다")
	ErrPositionNotFound     = fmt.Errorf("해당 포지션이 존재하지 않습니다")
	ErrInvalidFill          = fmt.Errorf("잘못된 체결 정보입니다")
	ErrInvalidTransition    = fmt.Errorf("허용되지 않는 상태 전이입니다")
	ErrInvalidTPSLConfig    = fmt.Errorf("잘못된 TP/SL 설정입니다")
	ErrInvalidPnL           = fmt.Errorf("손익을 계산할 수 없습니다")
	ErrRetryBudgetExhausted = fmt.Errorf("재시도 한도를 모두 소진했습니다")
)

// PositionError는 포지션 관리 에러를 확장한 구조체입니다
type PositionError struct {
	Market string
	Op     string
	Err    error
}

// Error는 error 인터페이스를 구현합니다
func (e *PositionError) Error() string {
	if e.Market != "" {
		return fmt.Sprintf("포지션 에러 [%s, 작업: %s]: %v", e.Market, e.Op, e.Err)
	}
	return fmt.Sprintf("포지션 에러 [작업: %s]: %v", e.Op, e.Err)
}

// Unwrap은 내부 에러를 반환합니다 (errors.Is/As 지원을 위함)
func (e *PositionError) Unwrap() error {
	return e.Err
}

// NewPositionError는 새로운 PositionError를 생성합니다
func NewPositionError(market, op string, err error) *PositionError {
	return &PositionError{
		Market: market,
		Op:     op,
		Err:    err,
	}
}
