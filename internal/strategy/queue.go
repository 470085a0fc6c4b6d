package strategy

import (
	"context"
	"sync"

	"github.com/assist-by/bulwark/internal/domain"
)

// KindQueue는 메모리 큐 공급자 유형입니다
const KindQueue = "queue"

// Queue는 마켓별 FIFO로 시그널을 전달하는 공급자입니다
type Queue struct {
	BaseSource

	mu      sync.Mutex
	pending map[string][]domain.TradingSignal
}

// NewQueue는 새로운 큐 공급자를 생성합니다
func NewQueue(id string) *Queue {
	return &Queue{
		BaseSource: BaseSource{ID: id, Description: "메모리 시그널 큐", Config: map[string]interface{}{}},
		pending:    make(map[string][]domain.TradingSignal),
	}
}

// Push는 시그널을 마켓 큐 뒤에 추가합니다. 전략 ID가 비어 있으면 공급자 ID로 채웁니다.
func (q *Queue) Push(signals ...domain.TradingSignal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, s := range signals {
		if s.StrategyID == "" {
			s.StrategyID = q.ID
		}
		s.Market = domain.NormalizeMarket(s.Market)
		q.pending[s.Market] = append(q.pending[s.Market], s)
	}
}

// Len은 마켓의 대기 시그널 수입니다
func (q *Queue) Len(market string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[domain.NormalizeMarket(market)])
}

// Next는 마켓의 가장 오래된 시그널을 꺼냅니다
func (q *Queue) Next(_ context.Context, market string) (*domain.TradingSignal, error) {
	market = domain.NormalizeMarket(market)

	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.pending[market]
	if len(list) == 0 {
		return nil, nil
	}
	s := list[0]
	q.pending[market] = list[1:]
	return &s, nil
}
