package strategy

import (
	"path/filepath"

	"github.com/assist-by/bulwark/internal/config"
)

// CreateSourcesFromConfig는 설정된 전략마다 시그널 파일 공급자를 생성합니다.
// 전략 X의 시그널은 SIGNAL_DIR/X.jsonl 에서 읽습니다.
func CreateSourcesFromConfig(registry *Registry, cfg *config.Config) ([]SignalSource, error) {
	sources := make([]SignalSource, 0, len(cfg.App.Strategies))
	for _, id := range cfg.App.Strategies {
		src, err := registry.Create(KindFeed, id, map[string]interface{}{
			"path": filepath.Join(cfg.App.SignalDir, id+".jsonl"),
		})
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}
