package notification

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

type alertLevel int

const (
	levelWarning alertLevel = iota
	levelError
	levelInfo
	levelTrade
)

type alert struct {
	level   alertLevel
	market  string
	message string
	trade   TradeInfo
}

// AsyncAlerter는 Notifier 앞단의 버퍼 큐입니다
// 큐가 가득 차면 알림을 버리고 로그만 남깁니다 (best-effort)
type AsyncAlerter struct {
	notifier Notifier
	queue    chan alert
	log      *logrus.Entry
	wg       sync.WaitGroup
	once     sync.Once
}

// NewAsyncAlerter는 새로운 비동기 알림기를 생성합니다
func NewAsyncAlerter(notifier Notifier, buffer int) *AsyncAlerter {
	if buffer <= 0 {
		buffer = 64
	}
	return &AsyncAlerter{
		notifier: notifier,
		queue:    make(chan alert, buffer),
		log:      logrus.WithField("component", "alerter"),
	}
}

// Start는 전송 워커를 시작합니다
func (a *AsyncAlerter) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				a.drain()
				return
			case al, ok := <-a.queue:
				if !ok {
					return
				}
				a.deliver(al)
			}
		}
	}()
}

// Close는 큐를 닫고 남은 알림을 전송한 뒤 반환합니다
func (a *AsyncAlerter) Close() {
	a.once.Do(func() {
		close(a.queue)
	})
	a.wg.Wait()
}

// SendWarning은 경고 알림을 큐에 넣습니다
func (a *AsyncAlerter) SendWarning(market, message string) {
	a.enqueue(alert{level: levelWarning, market: market, message: message})
}

// SendError는 에러 알림을 큐에 넣습니다
func (a *AsyncAlerter) SendError(market, message string) {
	a.enqueue(alert{level: levelError, market: market, message: message})
}

// SendInfo는 정보 알림을 큐에 넣습니다
func (a *AsyncAlerter) SendInfo(message string) {
	a.enqueue(alert{level: levelInfo, message: message})
}

// SendTradeInfo는 체결 알림을 큐에 넣습니다
func (a *AsyncAlerter) SendTradeInfo(info TradeInfo) {
	a.enqueue(alert{level: levelTrade, market: info.Market, trade: info})
}

func (a *AsyncAlerter) enqueue(al alert) {
	defer func() {
		// Close 이후 호출되면 닫힌 채널에 보내게 되므로 무시
		if r := recover(); r != nil {
			a.log.WithField("market", al.market).Warn("알림기가 종료되어 알림을 버립니다")
		}
	}()

	select {
	case a.queue <- al:
	default:
		a.log.WithField("market", al.market).Warnf("알림 큐가 가득 차 알림을 버립니다: %s", al.message)
	}
}

func (a *AsyncAlerter) drain() {
	for {
		select {
		case al, ok := <-a.queue:
			if !ok {
				return
			}
			a.deliver(al)
		default:
			return
		}
	}
}

func (a *AsyncAlerter) deliver(al alert) {
	if a.notifier == nil {
		return
	}
	text := fmt.Sprintf("[%s] %s", al.market, al.message)

	var err error
	switch al.level {
	case levelInfo:
		err = a.notifier.SendInfo(al.message)
	case levelTrade:
		err = a.notifier.SendTradeInfo(al.trade)
	case levelError:
		err = a.notifier.SendError(fmt.Errorf("%s", text))
	default:
		err = a.notifier.SendWarning(text)
	}
	if err != nil {
		a.log.WithError(err).WithField("market", al.market).Warn("알림 전송 실패")
	}
}
