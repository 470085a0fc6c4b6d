package position

import (
	"fmt"
	"sync"
	"time"

	"github.com/assist-by/bulwark/internal/domain"
)

// GuardConfig는 보유/재진입 가드 설정입니다
type GuardConfig struct {
	MinHolding      time.Duration // 매수 후 매도까지 최소 보유 시간
	ReentryCooldown time.Duration // 매도 후 재매수까지 대기 시간
}

// DefaultGuardConfig는 기본 가드 설정을 반환합니다
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MinHolding:      10 * time.Minute,
		ReentryCooldown: 15 * time.Minute,
	}
}

// GuardDecision은 가드 판단 결과입니다
type GuardDecision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// HoldingGuard는 수수료를 갉아먹는 매수/매도 반복을 막는 마켓별 가드입니다.
// 서킷 브레이커와 독립적으로 동작하며 메모리에만 상태를 둡니다.
type HoldingGuard struct {
	cfg GuardConfig
	now func() time.Time

	mu       sync.Mutex
	lastBuy  map[string]time.Time
	lastSell map[string]time.Time
}

// NewHoldingGuard는 새로운 가드를 생성합니다
func NewHoldingGuard(cfg GuardConfig, now func() time.Time) *HoldingGuard {
	if now == nil {
		now = time.Now
	}
	return &HoldingGuard{
		cfg:      cfg,
		now:      now,
		lastBuy:  make(map[string]time.Time),
		lastSell: make(map[string]time.Time),
	}
}

// RecordBuy는 매수 체결 시각을 기록합니다
func (g *HoldingGuard) RecordBuy(market string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastBuy[domain.NormalizeMarket(market)] = g.now()
}

// RecordSell은 매도 체결 시각을 기록합니다
func (g *HoldingGuard) RecordSell(market string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastSell[domain.NormalizeMarket(market)] = g.now()
}

// CanBuy는 재진입 대기 시간이 지났는지 확인합니다
func (g *HoldingGuard) CanBuy(market string) GuardDecision {
	g.mu.Lock()
	defer g.mu.Unlock()

	sold, ok := g.lastSell[domain.NormalizeMarket(market)]
	if !ok {
		return GuardDecision{Allowed: true}
	}
	if wait := sold.Add(g.cfg.ReentryCooldown).Sub(g.now()); wait > 0 {
		return GuardDecision{
			Reason:     fmt.Sprintf("REENTRY_COOLDOWN: 매도 후 %v 대기 중", g.cfg.ReentryCooldown),
			RetryAfter: wait,
		}
	}
	return GuardDecision{Allowed: true}
}

// CanSell은 최소 보유 시간이 지났는지 확인합니다.
// 손절과 트레일링 스탑은 가드를 우회하며 익절은 우회하지 않습니다.
func (g *HoldingGuard) CanSell(market string, reason domain.ExitReason) GuardDecision {
	if reason.IsEmergency() {
		return GuardDecision{Allowed: true}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	bought, ok := g.lastBuy[domain.NormalizeMarket(market)]
	if !ok {
		return GuardDecision{Allowed: true}
	}
	if wait := bought.Add(g.cfg.MinHolding).Sub(g.now()); wait > 0 {
		return GuardDecision{
			Reason:     fmt.Sprintf("MIN_HOLDING: 매수 후 %v 보유 필요", g.cfg.MinHolding),
			RetryAfter: wait,
		}
	}
	return GuardDecision{Allowed: true}
}
