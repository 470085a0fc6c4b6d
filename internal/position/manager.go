package position

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/assist-by/bulwark/internal/domain"
)

// Filter는 포지션 조회 조건입니다. 빈 필드는 조건에서 제외됩니다.
type Filter struct {
	Strategy string
	Market   string
	Statuses []Status
}

// ExposureStatuses는 노출로 간주하는 상태 목록입니다
var ExposureStatuses = []Status{StatusOpen, StatusPartiallyFilled, StatusFilled, StatusClosing, StatusAbandoned}

// Store는 포지션의 영속 저장소입니다. 포지션은 (strategy, market)별로 조회됩니다.
type Store interface {
	// SavePosition은 포지션을 저장합니다 (ID 기준 upsert)
	SavePosition(ctx context.Context, p *Position) error

	// GetPosition은 ID로 포지션을 조회합니다. 없으면 ErrPositionNotFound를 반환합니다.
	GetPosition(ctx context.Context, id string) (*Position, error)

	// ListPositions는 조건에 맞는 포지션을 반환합니다
	ListPositions(ctx context.Context, filter Filter) ([]*Position, error)
}

// Manager는 한 전략 엔진이 소유한 포지션 기록입니다.
// 마켓당 하나의 노출 포지션만 메모리에 유지하고 모든 변경을 저장소에 기록합니다.
type Manager struct {
	strategy string
	store    Store

	mu        sync.RWMutex
	positions map[string]*Position // market -> 노출 포지션
}

// NewManager는 새로운 포지션 매니저를 생성합니다
func NewManager(strategy string, store Store) *Manager {
	return &Manager{
		strategy:  strategy,
		store:     store,
		positions: make(map[string]*Position),
	}
}

// Name은 노출 조회 대상 이름입니다
func (m *Manager) Name() string {
	return "engine:" + m.strategy
}

// Strategy는 매니저가 소유한 전략 ID입니다
func (m *Manager) Strategy() string {
	return m.strategy
}

// Load는 저장소에서 이 전략의 노출 포지션을 불러옵니다 (재시작 복구)
func (m *Manager) Load(ctx context.Context) (int, error) {
	list, err := m.store.ListPositions(ctx, Filter{Strategy: m.strategy, Statuses: ExposureStatuses})
	if err != nil {
		return 0, NewPositionError("", "load", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range list {
		m.positions[p.Market] = p
	}
	return len(list), nil
}

// HasOpenPosition은 이 엔진이 마켓에 노출을 가지고 있는지 확인합니다
func (m *Manager) HasOpenPosition(_ context.Context, market string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[domain.NormalizeMarket(market)]
	return ok && p.Status.HoldsExposure(), nil
}

// Open은 새 포지션을 등록하고 저장합니다
func (m *Manager) Open(ctx context.Context, p *Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.positions[p.Market]; ok && cur.Status.HoldsExposure() {
		return NewPositionError(p.Market, "open", ErrPositionExists)
	}
	if err := m.store.SavePosition(ctx, p); err != nil {
		return NewPositionError(p.Market, "open", err)
	}
	m.positions[p.Market] = p.Clone()
	return nil
}

// Get은 마켓의 노출 포지션 복사본을 반환합니다
func (m *Manager) Get(market string) (*Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[domain.NormalizeMarket(market)]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Active는 모든 노출 포지션의 복사본을 마켓 순으로 반환합니다
func (m *Manager) Active() []*Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// Update는 마켓 포지션을 잠금 상태에서 변경하고 저장합니다.
// 종료 상태가 되면 메모리에서 제거합니다. 변경 후의 복사본을 반환합니다.
func (m *Manager) Update(ctx context.Context, market string, mutate func(*Position) error) (*Position, error) {
	market = domain.NormalizeMarket(market)

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.positions[market]
	if !ok {
		return nil, NewPositionError(market, "update", ErrPositionNotFound)
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := m.store.SavePosition(ctx, next); err != nil {
		return nil, NewPositionError(market, "update", fmt.Errorf("저장 실패: %w", err))
	}

	if next.Status.IsTerminal() {
		delete(m.positions, market)
	} else {
		m.positions[market] = next
	}
	return next.Clone(), nil
}
