// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"estat-beacon/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// agent 시작 시 한 번만 호출되는 로거 초기화 함수.
// New 로 만든 로거를 전역 zerolog 로거로 교체하고
// 표준 log 패키지 출력도 그쪽으로 돌린 뒤 반환한다.
//
// 반환된 로거는 각 컴포넌트 생성자에 넘긴다.
//
//	log := logger.Init(cfg)
//	mgr, err := worker.NewManager(cfg, m, nil, log)
func Init(cfg config.Config) zerolog.Logger {
	var w io.Writer = os.Stdout
	if cfg.LogPretty {
		// 개발 중엔 날짜 없이 시간만 보여도 충분함
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	logger := New(cfg, w)
	zerolog.SetGlobalLevel(ParseLevel(cfg.LogLevel))
	zlog.Logger = logger

	stdlog.SetFlags(0) // zerolog 가 시간을 따로 찍는다
	stdlog.SetOutput(logger)
	return logger
}

// New
//
// w 로 쓰는 로거를 만든다.
//
//  1. 레벨: LOG_LEVEL (해석 실패 시 info)
//  2. 공통 필드: service, instance
//  3. 샘플링: LOG_SAMPLE_N > 1 이면 Debug/Info 는 N 개 중 1 개만.
//     Warn 이상은 항상 기록한다.
func New(cfg config.Config, w io.Writer) zerolog.Logger {
	level := ParseLevel(cfg.LogLevel)

	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	if cfg.LogSampleN <= 1 {
		return base
	}
	return base.Sample(&zerolog.LevelSampler{
		DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
		InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
	})
}

// ParseLevel 은 대소문자/공백을 무시하고 해석한다. 모르는 값은 info.
func ParseLevel(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	l, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return l
}
