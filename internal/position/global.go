package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/assist-by/bulwark/internal/cache"
	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/logger"
)

// ExposureSource는 마켓 노출 여부를 알려주는 조회 대상입니다.
// 각 전략 엔진, 공유 저장소, 거래소 잔고가 구현합니다.
type ExposureSource interface {
	Name() string
	HasOpenPosition(ctx context.Context, market string) (bool, error)
}

// exposure는 마켓 노출 조회 결과입니다
type exposure struct {
	open   bool
	holder string
}

// GlobalManager는 엔진 간 중복 진입을 막는 교차 조회 가드입니다.
// 하나라도 노출을 보고하면 true이며, 조회 실패 시에도 진입을 막습니다.
type GlobalManager struct {
	mu      sync.RWMutex
	sources []ExposureSource

	cache *cache.TTL[string, exposure]
	group singleflight.Group
	log   *logrus.Entry
}

// GlobalOption은 GlobalManager 생성 옵션입니다
type GlobalOption func(*globalOptions)

type globalOptions struct {
	now func() time.Time
}

// WithGlobalClock은 캐시 시간 함수를 교체합니다 (테스트용)
func WithGlobalClock(now func() time.Time) GlobalOption {
	return func(o *globalOptions) {
		o.now = now
	}
}

// NewGlobalManager는 공유 저장소를 첫 조회 대상으로 하는 GlobalManager를 생성합니다
func NewGlobalManager(store Store, cacheTTL time.Duration, opts ...GlobalOption) *GlobalManager {
	o := globalOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	g := &GlobalManager{
		cache: cache.New[string, exposure](cacheTTL, cache.WithClock[string, exposure](o.now)),
		log:   logger.Component("global-position"),
	}
	if store != nil {
		g.sources = append(g.sources, StoreExposure(store))
	}
	return g
}

// Register는 노출 조회 대상을 추가합니다
func (g *GlobalManager) Register(src ExposureSource) {
	g.mu.Lock()
	g.sources = append(g.sources, src)
	g.mu.Unlock()
	g.InvalidateAll()
}

// HasOpenPosition은 어느 조회 대상이든 마켓 노출을 보고하면 true를 반환합니다.
// 조회 실패 시 true와 에러를 함께 반환합니다.
func (g *GlobalManager) HasOpenPosition(ctx context.Context, market string) (bool, error) {
	open, _, err := g.Holder(ctx, market)
	return open, err
}

// Holder는 노출 여부와 처음 노출을 보고한 조회 대상 이름을 반환합니다
func (g *GlobalManager) Holder(ctx context.Context, market string) (bool, string, error) {
	market = domain.NormalizeMarket(market)
	if e, ok := g.cache.Get(market); ok {
		return e.open, e.holder, nil
	}

	v, err, _ := g.group.Do(market, func() (any, error) {
		e, err := g.check(ctx, market)
		if err != nil {
			return e, err
		}
		g.cache.Set(market, e)
		return e, nil
	})
	e := v.(exposure)
	if err != nil {
		g.log.WithError(err).WithField("market", market).Warn("노출 조회 실패, 진입을 차단합니다")
		return true, e.holder, err
	}
	return e.open, e.holder, nil
}

// Invalidate는 마켓의 캐시를 무효화합니다
func (g *GlobalManager) Invalidate(market string) {
	g.cache.Delete(domain.NormalizeMarket(market))
}

// InvalidateAll은 전체 캐시를 비웁니다
func (g *GlobalManager) InvalidateAll() {
	g.cache.Clear()
}

func (g *GlobalManager) check(ctx context.Context, market string) (exposure, error) {
	g.mu.RLock()
	sources := make([]ExposureSource, len(g.sources))
	copy(sources, g.sources)
	g.mu.RUnlock()

	for _, src := range sources {
		open, err := src.HasOpenPosition(ctx, market)
		if err != nil {
			return exposure{open: true, holder: src.Name()}, fmt.Errorf("%s 조회 실패: %w", src.Name(), err)
		}
		if open {
			return exposure{open: true, holder: src.Name()}, nil
		}
	}
	return exposure{}, nil
}

type storeExposure struct {
	store Store
}

// StoreExposure는 공유 포지션 저장소를 노출 조회 대상으로 감쌉니다
func StoreExposure(store Store) ExposureSource {
	return storeExposure{store: store}
}

func (s storeExposure) Name() string {
	return "store"
}

func (s storeExposure) HasOpenPosition(ctx context.Context, market string) (bool, error) {
	list, err := s.store.ListPositions(ctx, Filter{Market: domain.NormalizeMarket(market), Statuses: ExposureStatuses})
	if err != nil {
		return false, err
	}
	return len(list) > 0, nil
}
