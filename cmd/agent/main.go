package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"estat-beacon/internal/config"
	"estat-beacon/internal/logger"
	"estat-beacon/internal/metrics"
	"estat-beacon/internal/server"
	"estat-beacon/internal/worker"
)

func main() {

	// ====================================================================
	// CPU 설정
	// ====================================================================
	//
	// agent 는 애플리케이션 옆에서 sidecar 로 도는 경우가 많다.
	// 기본은 논리 CPU 1개, GOMAXPROCS 환경 변수로 재정의 가능.
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	} else {
		runtime.GOMAXPROCS(1)
	}

	// ====================================================================
	// Config / Logger / Metrics 초기화
	// ====================================================================
	//
	// - Config: 기본값 < .env < 환경 변수 < 명령행 플래그
	// - Logger: LOG_PRETTY 면 console, 아니면 JSON
	// - Metrics: /metrics 엔드포인트에서 반환하는 내부 카운터
	// ====================================================================
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		// logger 초기화 전이므로 기본 설정으로 한 줄 남기고 종료
		l := logger.New(config.Config{ServiceName: "estat-beacon"}, os.Stderr)
		l.Fatal().Err(err).Msg("load config")
	}
	log := logger.Init(*cfg)
	m := metrics.New()

	// ====================================================================
	// Manager 생성 (cache + evictor + sender + watchdog)
	// ====================================================================
	//
	// 모든 비동기 goroutine 은 Manager 아래에서 관리된다.
	// SIGTERM 시 sender 가 남은 세션을 끝내고 flush 한 뒤 종료한다.
	// ====================================================================
	mgr, err := worker.NewManager(*cfg, m, nil, log)
	if err != nil {
		log.Fatal().Err(err).Msg("create manager")
	}
	mgr.Start()

	// 첫 status 응답을 잠깐 기다린다. 실패해도 sender 가 계속 재시도한다.
	initCtx, initCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if !mgr.WaitForInit(initCtx) {
		log.Warn().Str("endpoint", cfg.EndpointURL).Msg("beacon backend not reachable yet, continuing")
	}
	initCancel()

	// ====================================================================
	// HTTP Handler 설정
	// ====================================================================
	//
	// 엔드포인트:
	//  - /collect : 애플리케이션 보고 수집 (핵심)
	//  - /metrics : 운영 지표 확인
	//  - /health  : sender 상태 (terminal 이면 503)
	// ====================================================================
	h := server.NewHandler(cfg.MaxBodySize, m, mgr, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/collect", h.HandleCollect)
	mux.HandleFunc("/metrics", h.HandleMetrics)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		state := mgr.SenderState()
		if state == worker.StateTerminal {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write([]byte(state.String()))
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  8 * time.Second,
		WriteTimeout: 8 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ====================================================================
	// Graceful Shutdown
	// ====================================================================
	//
	// SIGTERM / SIGINT 수신 시:
	//  1. HTTP 서버 먼저 멈춤 (새 보고를 받지 않음)
	//  2. Manager 종료 (sender flush 포함)
	// ====================================================================
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
		cancel()

		log.Info().Msg("stopping worker manager")
		mgr.Shutdown()
	}()

	log.Info().
		Str("addr", cfg.HTTPAddr).
		Str("endpoint", cfg.EndpointURL).
		Str("application_id", cfg.ApplicationID).
		Msg("beacon agent listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("http server terminated")
	}

	// Manager 가 이미 종료되어 있더라도 다시 호출해도 safe
	mgr.Shutdown()
	log.Info().Msg("shutdown complete")
}
