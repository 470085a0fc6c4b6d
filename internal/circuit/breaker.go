// Package circuit은 마켓별/전체 거래 중단 상태 머신을 구현합니다.
package circuit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/logger"
	"github.com/assist-by/bulwark/internal/notification"
)

const storeTimeout = 3 * time.Second

type marketEntry struct {
	mu    sync.Mutex
	state MarketState
}

// Breaker는 연속 손실, 실행 실패, 슬리피지, API 오류, 드로다운을 감시하는 서킷 브레이커입니다.
// 트리거 메서드는 에러를 반환하지 않으며 문제가 생기면 "거래 불가"와 알림으로 대신합니다.
type Breaker struct {
	cfg     Config
	store   Store
	alerter notification.Alerter
	now     func() time.Time
	log     *logrus.Entry

	markets sync.Map // string -> *marketEntry

	gmu       sync.Mutex
	global    GlobalState
	apiErrors []time.Time
}

// Option은 Breaker 생성 옵션입니다
type Option func(*Breaker)

// WithStore는 상태 저장소를 설정합니다
func WithStore(store Store) Option {
	return func(b *Breaker) {
		b.store = store
	}
}

// WithAlerter는 작동 알림 대상을 설정합니다
func WithAlerter(alerter notification.Alerter) Option {
	return func(b *Breaker) {
		b.alerter = alerter
	}
}

// WithClock은 시간 함수를 교체합니다 (테스트용)
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// New는 새로운 서킷 브레이커를 생성합니다
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:     cfg,
		alerter: notification.NopAlerter{},
		now:     time.Now,
		log:     logger.Component("circuit"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RecordTradeResult는 청산된 거래의 손익률(%)을 반영합니다.
// 일일 손실 한도는 손실 거래에서만 평가합니다.
func (b *Breaker) RecordTradeResult(market string, pnlPercent float64) {
	if math.IsNaN(pnlPercent) || math.IsInf(pnlPercent, 0) {
		b.log.WithField("market", market).Error("유효하지 않은 손익률은 무시합니다")
		return
	}

	tripped := b.updateMarket(market, func(s *MarketState) string {
		if pnlPercent > 0 {
			s.ConsecutiveLosses = 0
		} else {
			s.ConsecutiveLosses++
		}
		if pnlPercent < 0 {
			s.DailyLossPercent += -pnlPercent
			s.DailyLossCount++
		}

		switch {
		case s.ConsecutiveLosses >= b.cfg.ConsecutiveLossLimit:
			return ReasonConsecutiveLosses
		case pnlPercent < 0 && (s.DailyLossPercent >= b.cfg.DailyLossLimitPercent || -pnlPercent >= b.cfg.DailyLossLimitPercent):
			return ReasonDailyLoss
		}
		return ""
	})
	if tripped {
		b.checkEscalation()
	}
}

// RecordExecutionFailure는 주문 실행 실패를 반영합니다
func (b *Breaker) RecordExecutionFailure(market string) {
	tripped := b.updateMarket(market, func(s *MarketState) string {
		s.ConsecutiveExecutionFailures++
		if s.ConsecutiveExecutionFailures >= b.cfg.ExecutionFailureLimit {
			return ReasonExecutionFailures
		}
		return ""
	})
	if tripped {
		b.checkEscalation()
	}
}

// RecordExecutionSuccess는 연속 실행 실패 카운터를 초기화합니다
func (b *Breaker) RecordExecutionSuccess(market string) {
	b.updateMarket(market, func(s *MarketState) string {
		s.ConsecutiveExecutionFailures = 0
		return ""
	})
}

// RecordSlippage는 체결 슬리피지(%)를 반영합니다
func (b *Breaker) RecordSlippage(market string, slippagePercent float64) {
	if math.IsNaN(slippagePercent) || math.IsInf(slippagePercent, 0) {
		return
	}

	tripped := b.updateMarket(market, func(s *MarketState) string {
		if math.Abs(slippagePercent) > b.cfg.SlippageThresholdPercent {
			s.ConsecutiveHighSlippage++
		} else {
			s.ConsecutiveHighSlippage = 0
		}
		if s.ConsecutiveHighSlippage >= b.cfg.HighSlippageLimit {
			return ReasonHighSlippage
		}
		return ""
	})
	if tripped {
		b.checkEscalation()
	}
}

// RecordAPIError는 거래소 API 오류를 기록합니다. 롤링 윈도우 내 오류가 임계값을 넘으면 글로벌 서킷이 작동합니다.
func (b *Breaker) RecordAPIError(market string) {
	now := b.now()

	b.gmu.Lock()
	defer b.gmu.Unlock()

	cutoff := now.Add(-b.cfg.APIErrorWindow)
	kept := b.apiErrors[:0]
	for _, t := range b.apiErrors {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.apiErrors = append(kept, now)

	b.log.WithFields(logrus.Fields{
		"market": market,
		"count":  len(b.apiErrors),
	}).Debug("API 오류 기록")

	if len(b.apiErrors) >= b.cfg.APIErrorLimit {
		b.tripGlobalLocked(ReasonAPIErrors, fmt.Sprintf("%v 동안 API 오류 %d회", b.cfg.APIErrorWindow, len(b.apiErrors)))
	}
}

// RecordTotalAsset은 총 자산 평가액을 반영합니다. 최고점 대비 드로다운이 임계값을 넘으면 글로벌 서킷이 작동합니다.
func (b *Breaker) RecordTotalAsset(value float64) {
	if value <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}

	b.gmu.Lock()
	defer b.gmu.Unlock()

	b.refreshGlobalLocked()
	b.global.LastTotalAsset = value
	if value > b.global.PeakTotalAsset {
		b.global.PeakTotalAsset = value
	}

	drawdown := (b.global.PeakTotalAsset - value) / b.global.PeakTotalAsset * 100
	if drawdown >= b.cfg.DrawdownLimitPercent {
		b.tripGlobalLocked(ReasonDrawdown, fmt.Sprintf("최고점 대비 %.2f%% 하락 (최고 %.0f, 현재 %.0f)",
			drawdown, b.global.PeakTotalAsset, value))
		return
	}
	b.saveGlobalLocked()
}

// CanTrade는 마켓에서 새 거래가 가능한지 판단합니다
func (b *Breaker) CanTrade(market string) Decision {
	b.gmu.Lock()
	b.refreshGlobalLocked()
	if b.global.Open {
		reason := b.global.Reason
		b.gmu.Unlock()
		return Decision{Allowed: false, Reason: GlobalKey + ":" + reason}
	}
	b.gmu.Unlock()

	e := b.entry(market)
	e.mu.Lock()
	b.refreshMarketLocked(&e.state)
	open, reason := e.state.Open, e.state.Reason
	e.mu.Unlock()
	if open {
		return Decision{Allowed: false, Reason: reason}
	}

	if b.checkEscalation() {
		b.gmu.Lock()
		reason := b.global.Reason
		b.gmu.Unlock()
		return Decision{Allowed: false, Reason: GlobalKey + ":" + reason}
	}
	return Decision{Allowed: true}
}

// MarketState는 마켓 상태의 스냅샷을 반환합니다
func (b *Breaker) MarketState(market string) MarketState {
	e := b.entry(market)
	e.mu.Lock()
	defer e.mu.Unlock()
	b.refreshMarketLocked(&e.state)
	return e.state
}

// GlobalState는 글로벌 상태의 스냅샷을 반환합니다
func (b *Breaker) GlobalState() GlobalState {
	b.gmu.Lock()
	defer b.gmu.Unlock()
	b.refreshGlobalLocked()
	return b.global
}

// OpenMarkets는 서킷이 열린 마켓 목록을 반환합니다
func (b *Breaker) OpenMarkets() []string {
	var out []string
	b.markets.Range(func(key, value any) bool {
		e := value.(*marketEntry)
		e.mu.Lock()
		b.refreshMarketLocked(&e.state)
		if e.state.Open {
			out = append(out, key.(string))
		}
		e.mu.Unlock()
		return true
	})
	sort.Strings(out)
	return out
}

// Seed는 외부에서 마켓 상태를 주입합니다 (운영자 복구용)
func (b *Breaker) Seed(state MarketState) {
	state.Market = domain.NormalizeMarket(state.Market)
	if state.Date == "" {
		state.Date = b.today()
	}

	e := b.entry(state.Market)
	e.mu.Lock()
	e.state = state
	b.refreshMarketLocked(&e.state)
	b.saveMarketLocked(e.state)
	e.mu.Unlock()

	b.checkEscalation()
}

// Restore는 저장소에서 오늘 날짜의 상태를 불러옵니다
func (b *Breaker) Restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}

	now := b.now()
	restored := 0
	// 자정을 넘긴 쿨다운을 잃지 않도록 전날의 열린 서킷도 불러옴
	for _, date := range []string{now.AddDate(0, 0, -1).Format(DateLayout), now.Format(DateLayout)} {
		states, err := b.store.LoadMarketStates(ctx, date)
		if err != nil {
			return fmt.Errorf("마켓 서킷 상태 로드 실패(%s): %w", date, err)
		}
		for _, s := range states {
			if s.Date != b.today() && !s.Open {
				continue
			}
			e := b.entry(s.Market)
			e.mu.Lock()
			e.state = s
			e.state.Market = domain.NormalizeMarket(s.Market)
			b.refreshMarketLocked(&e.state)
			e.mu.Unlock()
			restored++
		}
	}

	global, err := b.store.LoadGlobalState(ctx)
	if err != nil {
		return fmt.Errorf("글로벌 서킷 상태 로드 실패: %w", err)
	}
	if global != nil {
		b.gmu.Lock()
		b.global = *global
		b.gmu.Unlock()
	}

	b.log.WithField("markets", restored).Info("서킷 상태 복원 완료")
	return nil
}

// updateMarket은 마켓 상태를 원자적으로 갱신하고 새로 작동했는지 반환합니다
func (b *Breaker) updateMarket(market string, mutate func(*MarketState) string) bool {
	e := b.entry(market)
	e.mu.Lock()
	defer e.mu.Unlock()

	b.refreshMarketLocked(&e.state)
	reason := mutate(&e.state)

	tripped := false
	if reason != "" && !e.state.Open {
		e.state.Open = true
		e.state.OpenedAt = b.now()
		e.state.Reason = reason
		e.state.TripCount++
		tripped = true

		msg := fmt.Sprintf("마켓 서킷 작동: %s (연속손실 %d, 일일손실 %.2f%%, 실행실패 %d, 고슬리피지 %d), %v 후 재개",
			reason, e.state.ConsecutiveLosses, e.state.DailyLossPercent,
			e.state.ConsecutiveExecutionFailures, e.state.ConsecutiveHighSlippage, b.cfg.MarketCooldown)
		b.log.WithField("market", e.state.Market).Warn(msg)
		b.alerter.SendWarning(e.state.Market, msg)
	}

	b.saveMarketLocked(e.state)
	return tripped
}

// checkEscalation은 열린 마켓 서킷 수가 임계값 이상이면 글로벌 서킷을 작동시킵니다
func (b *Breaker) checkEscalation() bool {
	open := b.OpenMarkets()

	b.gmu.Lock()
	defer b.gmu.Unlock()

	b.refreshGlobalLocked()
	b.global.TrippedMarkets = len(open)
	if b.global.Open {
		return true
	}
	if len(open) >= b.cfg.GlobalEscalationMarkets {
		b.tripGlobalLocked(ReasonMultipleMarkets, fmt.Sprintf("동시에 %d개 마켓 서킷 작동: %v", len(open), open))
		return true
	}
	return false
}

func (b *Breaker) tripGlobalLocked(reason, detail string) {
	if b.global.Open {
		return
	}
	b.global.Open = true
	b.global.OpenedAt = b.now()
	b.global.Reason = reason

	msg := fmt.Sprintf("글로벌 서킷 작동: %s, %s, %v 후 재개", reason, detail, b.cfg.GlobalCooldown)
	b.log.Warn(msg)
	b.alerter.SendError(GlobalKey, msg)
	b.saveGlobalLocked()
}

// refreshMarketLocked는 날짜 변경과 쿨다운 만료를 반영합니다
func (b *Breaker) refreshMarketLocked(s *MarketState) {
	now := b.now()
	if today := now.Format(DateLayout); s.Date != today {
		s.Date = today
		s.DailyLossPercent = 0
		s.DailyLossCount = 0
	}

	if s.Open && !now.Before(s.OpenedAt.Add(b.cfg.MarketCooldown)) {
		s.Open = false
		s.ConsecutiveLosses = 0
		s.ConsecutiveExecutionFailures = 0
		s.ConsecutiveHighSlippage = 0
		b.log.WithFields(logrus.Fields{
			"market": s.Market,
			"reason": s.Reason,
		}).Info("마켓 서킷 쿨다운 종료")
	}
}

func (b *Breaker) refreshGlobalLocked() {
	if !b.global.Open || b.now().Before(b.global.OpenedAt.Add(b.cfg.GlobalCooldown)) {
		return
	}

	b.global.Open = false
	// 재개 시점의 자산을 새 기준점으로 사용
	if b.global.LastTotalAsset > 0 {
		b.global.PeakTotalAsset = b.global.LastTotalAsset
	}
	b.apiErrors = nil
	b.log.WithField("reason", b.global.Reason).Info("글로벌 서킷 쿨다운 종료")
	b.saveGlobalLocked()
}

func (b *Breaker) entry(market string) *marketEntry {
	market = domain.NormalizeMarket(market)
	if v, ok := b.markets.Load(market); ok {
		return v.(*marketEntry)
	}
	v, _ := b.markets.LoadOrStore(market, &marketEntry{state: MarketState{Market: market, Date: b.today()}})
	return v.(*marketEntry)
}

func (b *Breaker) today() string {
	return b.now().Format(DateLayout)
}

func (b *Breaker) saveMarketLocked(state MarketState) {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := b.store.SaveMarketState(ctx, state); err != nil {
		b.log.WithError(err).WithField("market", state.Market).Warn("마켓 서킷 상태 저장 실패")
	}
}

func (b *Breaker) saveGlobalLocked() {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := b.store.SaveGlobalState(ctx, b.global); err != nil {
		b.log.WithError(err).Warn("글로벌 서킷 상태 저장 실패")
	}
}
