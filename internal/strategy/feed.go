package strategy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/logger"
)

// KindFeed는 JSON Lines 파일 공급자 유형입니다
const KindFeed = "feed"

// feedRecord는 외부 전략 프로세스가 한 줄에 하나씩 기록하는 시그널 형식입니다
type feedRecord struct {
	Market            string    `json:"market"`
	Action            string    `json:"action"`
	Confidence        float64   `json:"confidence"`
	Price             float64   `json:"price"`
	Reason            string    `json:"reason"`
	Regime            string    `json:"regime"`
	Timestamp         time.Time `json:"timestamp"`
	StopLossPercent   float64   `json:"stop_loss_percent"`
	TakeProfitPercent float64   `json:"take_profit_percent"`
	ExitReason        string    `json:"exit_reason"`
}

// Feed는 외부 전략이 추가하는 JSON Lines 파일을 따라 읽는 공급자입니다.
// 읽은 위치는 메모리에만 두므로 재시작하면 파일 끝부터 읽습니다.
type Feed struct {
	*Queue

	path   string
	mu     sync.Mutex
	offset int64
	log    *logrus.Entry
}

// NewFeed는 path 파일을 읽는 공급자를 생성합니다. 이미 파일에 있는 시그널은 건너뜁니다.
func NewFeed(id, path string) *Feed {
	f := &Feed{
		Queue: NewQueue(id),
		path:  path,
		log:   logger.Component("signal-feed").WithField("strategy", id),
	}
	f.Description = "JSON Lines 시그널 파일"
	f.Config["path"] = path
	if info, err := os.Stat(path); err == nil {
		f.offset = info.Size()
	}
	return f
}

func newFeedFromConfig(id string, config map[string]interface{}) (SignalSource, error) {
	path, ok := config["path"].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("%s 공급자에 path 설정이 필요합니다", KindFeed)
	}
	return NewFeed(id, path), nil
}

// Next는 파일에 새로 추가된 줄을 읽은 뒤 마켓의 다음 시그널을 반환합니다
func (f *Feed) Next(ctx context.Context, market string) (*domain.TradingSignal, error) {
	if err := f.poll(); err != nil {
		return nil, err
	}
	return f.Queue.Next(ctx, market)
}

func (f *Feed) poll() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("시그널 파일 열기 실패: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("시그널 파일 상태 조회 실패: %w", err)
	}
	if info.Size() < f.offset {
		// 파일이 잘렸으면 처음부터 다시 읽음
		f.offset = 0
	}
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return fmt.Errorf("시그널 파일 이동 실패: %w", err)
	}

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// 줄바꿈으로 끝나지 않은 마지막 줄은 다음 조회에서 읽음
			return nil
		}
		if err != nil {
			return fmt.Errorf("시그널 파일 읽기 실패: %w", err)
		}
		f.offset += int64(len(line))

		var rec feedRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			f.log.WithError(err).Warn("시그널 줄 파싱 실패, 건너뜁니다")
			continue
		}
		f.Push(rec.signal(f.ID))
	}
}

func (r feedRecord) signal(strategyID string) domain.TradingSignal {
	return domain.TradingSignal{
		Market:            r.Market,
		Action:            domain.Action(r.Action),
		Confidence:        r.Confidence,
		Price:             r.Price,
		StrategyID:        strategyID,
		Reason:            r.Reason,
		Regime:            r.Regime,
		Timestamp:         r.Timestamp,
		StopLossPercent:   r.StopLossPercent,
		TakeProfitPercent: r.TakeProfitPercent,
		ExitReason:        domain.ExitReason(r.ExitReason),
	}
}
