package strategy

import (
	"context"
	"fmt"
	"sort"

	"github.com/assist-by/bulwark/internal/domain"
)

// SignalSource는 전략 엔진이 소비하는 매매 시그널 공급자입니다.
// 시그널 생성 로직은 외부 전략 프로세스가 담당합니다.
type SignalSource interface {
	// Name은 시그널 공급자(전략 ID)의 이름을 반환합니다
	Name() string

	// Next는 마켓의 다음 대기 시그널을 반환합니다. 없으면 (nil, nil)을 반환합니다.
	Next(ctx context.Context, market string) (*domain.TradingSignal, error)
}

// BaseSource는 모든 공급자에서 공통적으로 사용할 수 있는 기본 구현을 제공합니다
type BaseSource struct {
	ID          string
	Description string
	Config      map[string]interface{}
}

// Name은 공급자의 이름을 반환합니다
func (b *BaseSource) Name() string {
	return b.ID
}

// GetConfig는 공급자의 현재 설정 복사본을 반환합니다
func (b *BaseSource) GetConfig() map[string]interface{} {
	configCopy := make(map[string]interface{}, len(b.Config))
	for k, v := range b.Config {
		configCopy[k] = v
	}
	return configCopy
}

// Factory는 공급자 인스턴스를 생성하는 함수 타입입니다
type Factory func(id string, config map[string]interface{}) (SignalSource, error)

// Registry는 사용 가능한 모든 공급자 유형을 등록하고 관리합니다
type Registry struct {
	factories map[string]Factory
}

// NewRegistry는 기본 공급자 유형이 등록된 레지스트리를 생성합니다
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
	}
	r.Register(KindQueue, func(id string, _ map[string]interface{}) (SignalSource, error) {
		return NewQueue(id), nil
	})
	r.Register(KindFeed, newFeedFromConfig)
	return r
}

// Register는 새로운 공급자 팩토리를 레지스트리에 등록합니다
func (r *Registry) Register(kind string, factory Factory) {
	r.factories[kind] = factory
}

// Create는 주어진 유형과 설정으로 공급자 인스턴스를 생성합니다
func (r *Registry) Create(kind, id string, config map[string]interface{}) (SignalSource, error) {
	factory, exists := r.factories[kind]
	if !exists {
		return nil, fmt.Errorf("존재하지 않는 시그널 공급자 유형: %s", kind)
	}
	return factory(id, config)
}

// Kinds는 등록된 공급자 유형을 정렬해서 반환합니다
func (r *Registry) Kinds() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
