package execution

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/assist-by/bulwark/internal/domain"
)

// MarketLocks는 마켓별 비차단 주문 잠금입니다.
// 획득에 실패한 진입 시도는 대기하지 않고 포기합니다.
type MarketLocks struct {
	shards []lockShard
	now    func() time.Time
}

type lockShard struct {
	mu   sync.Mutex
	held map[string]time.Time // market -> 획득 시각
}

// NewMarketLocks는 shardCount개의 샤드로 나뉜 잠금 맵을 생성합니다
func NewMarketLocks(shardCount int) *MarketLocks {
	if shardCount <= 0 {
		shardCount = 32
	}
	shards := make([]lockShard, shardCount)
	for i := range shards {
		shards[i].held = make(map[string]time.Time)
	}
	return &MarketLocks{shards: shards, now: time.Now}
}

// TryLock은 마켓 잠금을 시도합니다. 이미 잡혀 있으면 false를 반환합니다.
func (l *MarketLocks) TryLock(market string) bool {
	market = domain.NormalizeMarket(market)
	sh := l.shard(market)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.held[market]; ok {
		return false
	}
	sh.held[market] = l.now()
	return true
}

// Unlock은 마켓 잠금을 해제합니다
func (l *MarketLocks) Unlock(market string) {
	market = domain.NormalizeMarket(market)
	sh := l.shard(market)
	sh.mu.Lock()
	delete(sh.held, market)
	sh.mu.Unlock()
}

// Held는 현재 잠긴 마켓과 획득 이후 경과 시간을 반환합니다
func (l *MarketLocks) Held() map[string]time.Duration {
	out := make(map[string]time.Duration)
	now := l.now()
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for m, at := range sh.held {
			out[m] = now.Sub(at)
		}
		sh.mu.Unlock()
	}
	return out
}

func (l *MarketLocks) shard(market string) *lockShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(market))
	return &l.shards[h.Sum32()%uint32(len(l.shards))]
}
