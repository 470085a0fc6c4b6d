package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config는 로그 설정입니다
type Config struct {
	Level      string // debug, info, warn, error
	OutputFile string // 비어 있으면 콘솔에만 출력
	MaxSize    int    // 로그 파일 최대 크기 (MB)
	MaxBackups int    // 보관할 이전 로그 파일 수
	MaxAge     int    // 이전 로그 파일 보관 일수
	Compress   bool   // 이전 로그 파일 압축 여부
}

// Init은 전역 logrus 로거를 설정합니다
func Init(cfg Config) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	writers := []io.Writer{os.Stdout}
	if cfg.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.OutputFile), 0o755); err != nil {
			return err
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.OutputFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
	}

	logrus.SetOutput(io.MultiWriter(writers...))
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05",
	})
	return nil
}

// Component는 컴포넌트 이름이 붙은 로그 엔트리를 반환합니다
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
