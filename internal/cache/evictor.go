// internal/cache/evictor.go
package cache

import (
	"context"
	"time"

	"estat-beacon/internal/provider"
	"estat-beacon/internal/settings"

	"github.com/rs/zerolog"
)

// Evictor
// ------------------------------------------------------------
// EventCache 를 제한된 크기로 유지하는 백그라운드 작업.
//
// 두 가지 전략을 순서대로 돌린다.
//   - 시간 전략: MaxRecordAge 보다 오래된 resting 레코드 삭제.
//     EvictionInterval 마다 한 번만 실행한다.
//   - 공간 전략: 전체 크기가 UpperBound 를 넘으면 LowerBound 아래로
//     내려갈 때까지 모든 beacon 에서 돌아가며 가장 오래된 레코드를 1건씩 삭제.
//     레코드가 추가될 때(Notify) 즉시 실행된다.
//
// in flight 레코드는 어느 전략에서도 지워지지 않는다.
type Evictor struct {
	cache  *EventCache
	cfg    settings.Cache
	timing provider.Timing
	log    zerolog.Logger

	lastTimeEviction int64
}

func NewEvictor(c *EventCache, cfg settings.Cache, timing provider.Timing, log zerolog.Logger) *Evictor {
	return &Evictor{
		cache:  c,
		cfg:    cfg,
		timing: timing,
		log:    log,
	}
}

// Run 은 ctx 가 끝날 때까지 eviction 을 반복한다.
func (e *Evictor) Run(ctx context.Context) {
	if !e.cfg.IsTimeEvictionEnabled() && !e.cfg.IsSpaceEvictionEnabled() {
		e.log.Info().Msg("cache eviction disabled")
		return
	}

	interval := e.cfg.EvictionInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info().
		Dur("max_record_age", e.cfg.MaxRecordAge).
		Int64("lower_bound_bytes", e.cfg.LowerBoundBytes).
		Int64("upper_bound_bytes", e.cfg.UpperBoundBytes).
		Msg("cache evictor started")

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("cache evictor exiting")
			return
		case <-e.cache.Notify():
			e.Execute()
		case <-ticker.C:
			e.Execute()
		}
	}
}

// Execute 는 두 전략을 한 번씩 실행한다.
func (e *Evictor) Execute() {
	e.evictByAge()
	e.evictBySpace()
}

func (e *Evictor) evictByAge() {
	if !e.cfg.IsTimeEvictionEnabled() {
		return
	}

	now := e.timing.NowMillis()
	if e.lastTimeEviction > 0 && now-e.lastTimeEviction < e.cfg.EvictionInterval.Milliseconds() {
		return
	}
	e.lastTimeEviction = now

	minTimestamp := now - e.cfg.MaxRecordAge.Milliseconds()
	total := 0
	for _, key := range e.cache.BeaconKeys() {
		total += e.cache.EvictRecordsByAge(key, minTimestamp)
	}
	if total > 0 {
		e.log.Info().Int("records", total).Msg("cache time eviction")
	}
}

func (e *Evictor) evictBySpace() {
	if !e.cfg.IsSpaceEvictionEnabled() {
		return
	}
	if e.cache.NumBytesInCache() <= e.cfg.UpperBoundBytes {
		return
	}

	total := 0
	for e.cache.NumBytesInCache() > e.cfg.LowerBoundBytes {
		removedThisRound := 0
		for _, key := range e.cache.BeaconKeys() {
			removedThisRound += e.cache.EvictRecordsByNumber(key, 1)
			if e.cache.NumBytesInCache() <= e.cfg.LowerBoundBytes {
				break
			}
		}
		// 남은 것이 모두 in flight 면 더 지울 수 없다
		if removedThisRound == 0 {
			break
		}
		total += removedThisRound
	}

	e.log.Warn().
		Int("records", total).
		Int64("cache_size_bytes", e.cache.NumBytesInCache()).
		Msg("cache space eviction")
}
