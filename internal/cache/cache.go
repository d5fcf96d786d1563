// internal/cache/cache.go
package cache

import (
	"sort"
	"sync"
	"sync/atomic"

	"estat-beacon/internal/metrics"

	"github.com/rs/zerolog"
)

// Key
// ------------------------------------------------------------
// cache 파티션 식별자.
// BeaconID 는 privacy 필터 전의 "실제" 세션 번호,
// SequenceNumber 는 세션 분할(split) 순번이다.
// cache 조회는 항상 실제 번호로 한다 (wire 에 나가는 번호와 다를 수 있음).
type Key struct {
	BeaconID       int
	SequenceNumber int
}

// EventCache
// ------------------------------------------------------------
// 세션(beacon)별 action / event 레코드를 보관하는 메모리 cache.
//
// 동시성 모델:
//   - entries map 은 RWMutex 로 보호 (조회는 RLock, 생성/삭제는 Lock)
//   - entry 내부는 entry 별 Mutex (서로 다른 세션은 서로를 막지 않는다)
//   - 전역 크기(resting 바이트)는 atomic 으로 유지 → evictor 가 락 없이 읽는다
//
// notify 채널(capacity 1)은 레코드가 추가될 때마다 비차단으로 신호를 보낸다.
// evictor 가 이 채널을 select 해서 공간 기준 eviction 을 즉시 돌린다.
type EventCache struct {
	mu      sync.RWMutex
	entries map[Key]*lockedEntry

	totalBytes atomic.Int64
	notify     chan struct{}

	metrics *metrics.Metrics
	log     zerolog.Logger
}

type lockedEntry struct {
	mu      sync.Mutex
	deleted bool // map 에서 빠진 뒤 true. 이후 add 는 새 entry 를 찾는다.
	entry
}

// New 는 빈 cache 를 만든다. m 은 nil 이면 안 된다.
func New(m *metrics.Metrics, log zerolog.Logger) *EventCache {
	if m == nil {
		panic("cache: metrics must not be nil")
	}
	return &EventCache{
		entries: make(map[Key]*lockedEntry),
		notify:  make(chan struct{}, 1),
		metrics: m,
		log:     log,
	}
}

// AddActionData 는 action 레코드를 추가한다. 실패하지 않는다.
func (c *EventCache) AddActionData(key Key, timestamp int64, data string) {
	c.add(key, &Record{Timestamp: timestamp, Data: data}, (*entry).addAction)
}

// AddEventData 는 event 레코드를 추가한다. 실패하지 않는다.
func (c *EventCache) AddEventData(key Key, timestamp int64, data string) {
	c.add(key, &Record{Timestamp: timestamp, Data: data}, (*entry).addEvent)
}

// add 는 map 에 남아 있는 entry 에만 쓴다. 삭제 표시된 entry 면 다시 찾는다.
func (c *EventCache) add(key Key, r *Record, addTo func(*entry, *Record)) {
	for {
		e := c.getOrCreate(key)

		e.mu.Lock()
		if e.deleted {
			e.mu.Unlock()
			continue
		}
		addTo(&e.entry, r)
		// 크기 증감은 삭제와 같은 entry 락 안에서
		c.addTotal(r.SizeInBytes())
		e.mu.Unlock()

		c.onRecordAdded()
		return
	}
}

func (c *EventCache) onRecordAdded() {
	atomic.AddInt64(&c.metrics.RecordsAddedTotal, 1)

	// evictor 에게 비차단 신호
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// GetNextBeaconChunk
//
// prefix 로 시작하고 아직 보내지 않은 레코드(events 먼저, 오래된 순)를
// maxSize 바이트 안에서 delimiter 로 이어 붙인 문자열을 반환한다.
//
// 반환된 레코드는 삭제되지 않고 "in flight" 로 표시된다.
//   - 전송 성공: RemoveChunkedData 로 확정 삭제
//   - 전송 실패: ResetChunkedData 로 cache 에 되돌림
//
// 보낼 것이 없으면 "" 를 반환한다.
func (c *EventCache) GetNextBeaconChunk(key Key, prefix string, maxSize int, delimiter byte) string {
	e := c.get(key)
	if e == nil {
		return ""
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.needsDataCopyBeforeSending() {
		moved := e.copyDataForSending()
		c.addTotal(-moved)
	}
	return e.nextChunk(prefix, maxSize, delimiter)
}

// RemoveChunkedData 는 마지막 GetNextBeaconChunk 로 꺼낸 레코드를 삭제한다.
func (c *EventCache) RemoveChunkedData(key Key) {
	e := c.get(key)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeDataMarkedForSending()
}

// ResetChunkedData 는 in flight 레코드를 모두 cache 로 되돌린다.
// 되돌린 레코드는 다음 chunk 에서 다시 맨 앞에 온다.
func (c *EventCache) ResetChunkedData(key Key) {
	e := c.get(key)
	if e == nil {
		return
	}

	e.mu.Lock()
	restored := e.resetDataMarkedForSending()
	e.mu.Unlock()

	c.addTotal(restored)
	if restored > 0 {
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

// DeleteCacheEntry 는 key 의 모든 레코드를 지운다. 여러 번 호출해도 안전하다.
func (c *EventCache) DeleteCacheEntry(key Key) {
	c.mu.Lock()
	e, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	if !ok {
		return
	}

	e.mu.Lock()
	c.clearLocked(e)
	e.mu.Unlock()
}

// clearLocked 는 map 에서 빠진 entry 를 비운다. e.mu 를 잡은 상태로 호출한다.
func (c *EventCache) clearLocked(e *lockedEntry) {
	c.addTotal(-e.restingBytes)
	e.entry = entry{}
	e.deleted = true
}

// GetEvents 는 key 의 resting event 레코드 스냅샷.
func (c *EventCache) GetEvents(key Key) []string {
	e := c.get(key)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.events)
}

// GetActions 는 key 의 resting action 레코드 스냅샷.
func (c *EventCache) GetActions(key Key) []string {
	e := c.get(key)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.actions)
}

// GetEventsBeingSent / GetActionsBeingSent 는 in flight 레코드 스냅샷 (진단/테스트용).
func (c *EventCache) GetEventsBeingSent(key Key) []string {
	e := c.get(key)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.eventsBeingSent)
}

func (c *EventCache) GetActionsBeingSent(key Key) []string {
	e := c.get(key)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.actionsBeingSent)
}

// IsEmpty 는 key 에 resting / in flight 레코드가 하나도 없을 때 true.
func (c *EventCache) IsEmpty(key Key) bool {
	e := c.get(key)
	if e == nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isEmpty()
}

// BeaconKeys 는 현재 cache 에 있는 key 목록 (정렬됨).
func (c *EventCache) BeaconKeys() []Key {
	c.mu.RLock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].BeaconID != keys[j].BeaconID {
			return keys[i].BeaconID < keys[j].BeaconID
		}
		return keys[i].SequenceNumber < keys[j].SequenceNumber
	})
	return keys
}

// NumBytesInCache 는 resting 레코드의 총 바이트 수. in flight 는 제외된다.
func (c *EventCache) NumBytesInCache() int64 {
	return c.totalBytes.Load()
}

// EvictRecordsByAge 는 key 에서 minTimestamp 보다 오래된 resting 레코드를 지우고
// 지운 개수를 반환한다. in flight 레코드는 건드리지 않는다.
func (c *EventCache) EvictRecordsByAge(key Key, minTimestamp int64) int {
	e := c.get(key)
	if e == nil {
		return 0
	}

	e.mu.Lock()
	n, bytes := e.evictRecordsByAge(minTimestamp)
	e.mu.Unlock()

	c.addTotal(-bytes)
	if n > 0 {
		atomic.AddInt64(&c.metrics.CacheEvictedByAgeTotal, int64(n))
		c.log.Debug().Int("beacon_id", key.BeaconID).Int("records", n).Msg("evicted records by age")
	}
	return n
}

// EvictRecordsByNumber 는 key 에서 가장 오래된 resting 레코드를 최대 count 개 지우고
// 지운 개수를 반환한다.
func (c *EventCache) EvictRecordsByNumber(key Key, count int) int {
	e := c.get(key)
	if e == nil {
		return 0
	}

	e.mu.Lock()
	n, bytes := e.evictRecordsByNumber(count)
	e.mu.Unlock()

	c.addTotal(-bytes)
	if n > 0 {
		atomic.AddInt64(&c.metrics.CacheEvictedBySpaceTotal, int64(n))
	}
	return n
}

// Notify 는 레코드가 추가될 때 신호를 받는 채널 (capacity 1).
func (c *EventCache) Notify() <-chan struct{} {
	return c.notify
}

func (c *EventCache) get(key Key) *lockedEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[key]
}

func (c *EventCache) getOrCreate(key Key) *lockedEntry {
	if e := c.get(key); e != nil {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// RLock 해제와 Lock 사이에 다른 goroutine 이 만들었을 수 있음
	if e, ok := c.entries[key]; ok {
		return e
	}
	e := &lockedEntry{}
	c.entries[key] = e
	return e
}

func (c *EventCache) addTotal(delta int64) {
	if delta == 0 {
		return
	}
	c.totalBytes.Add(delta)
	atomic.AddInt64(&c.metrics.CacheSizeBytes, delta)
}
