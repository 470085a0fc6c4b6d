package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/assist-by/bulwark/internal/logger"
)

// Task는 스케줄러가 실행할 작업을 정의하는 인터페이스입니다
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc는 함수를 Task로 사용합니다
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Scheduler는 정해진 주기의 경계 시각마다 작업을 실행하는 스케줄러입니다
type Scheduler struct {
	name     string
	interval time.Duration
	task     Task
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
	log      *logrus.Entry
}

// Option은 스케줄러 생성 옵션입니다
type Option func(*Scheduler)

// WithClock은 테스트용 시계를 설정합니다
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler는 새로운 스케줄러를 생성합니다
func NewScheduler(name string, interval time.Duration, task Task, opts ...Option) *Scheduler {
	s := &Scheduler{
		name:     name,
		interval: interval,
		task:     task,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.Component("scheduler").WithField("task", name)
	return s
}

// Start는 ctx가 취소되거나 Stop이 호출될 때까지 작업을 반복 실행합니다.
// 작업이 실패해도 다음 주기에 계속 실행합니다.
func (s *Scheduler) Start(ctx context.Context) error {
	timer := time.NewTimer(s.nextWait())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.stopCh:
			return nil

		case <-timer.C:
			s.runOnce(ctx)
			timer.Reset(s.nextWait())
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("작업 실행 중 panic")
		}
	}()
	started := s.now()
	if err := s.task.Execute(ctx); err != nil {
		s.log.WithError(err).Warn("작업 실행 실패")
		return
	}
	s.log.WithField("elapsed", s.now().Sub(started).Round(time.Millisecond)).Debug("작업 완료")
}

func (s *Scheduler) nextWait() time.Duration {
	now := s.now()
	nextRun := now.Truncate(s.interval).Add(s.interval)
	wait := nextRun.Sub(now)
	s.log.Debugf("다음 실행까지 %v 대기 (다음 실행: %s)", wait.Round(time.Millisecond), nextRun.Format("15:04:05"))
	return wait
}

// Stop은 스케줄러를 중지합니다. 여러 번 호출해도 안전합니다.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
