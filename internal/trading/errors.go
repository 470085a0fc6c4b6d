package trading

// ValidationError는 처리할 수 없는 시그널을 나타내는 구조체입니다.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return "시그널 검증 실패 (" + e.Field + "): " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ExecutionError는 매매 처리 중 발생한 인프라 오류를 나타내는 구조체입니다.
type ExecutionError struct {
	Market string
	Phase  string
	Err    error
}

func (e *ExecutionError) Error() string {
	return "매매 처리 실패 [" + e.Market + "] (" + e.Phase + "): " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
