// internal/cache/entry.go
package cache

import "strings"

// Record
// ------------------------------------------------------------
// 직렬화가 끝난 beacon 레코드 1건.
// Timestamp 는 기록 시각(epoch ms)으로 eviction 판단에 쓰인다.
type Record struct {
	Timestamp int64
	Data      string

	markedForSending bool
}

// SizeInBytes 는 size accounting 에 쓰는 레코드 크기.
func (r *Record) SizeInBytes() int64 {
	return int64(len(r.Data))
}

// entry
// ------------------------------------------------------------
// beacon key 하나에 해당하는 레코드 저장소.
//
// 레코드는 두 단계에 있다.
//   - resting: events / actions. 아직 전송 대상으로 꺼내지 않은 레코드.
//     eviction 대상이며 전역 size 에 포함된다.
//   - in flight: eventsBeingSent / actionsBeingSent. chunk 로 꺼낸 레코드.
//     전송 성공(removeDataMarkedForSending) 또는 실패(resetDataMarkedForSending)
//     전까지 eviction 대상이 아니다.
//
// 모든 메서드는 호출자가 mu 를 잡은 상태에서 호출한다.
type entry struct {
	events  []*Record
	actions []*Record

	eventsBeingSent  []*Record
	actionsBeingSent []*Record

	restingBytes int64
}

func (e *entry) addEvent(r *Record) {
	e.events = append(e.events, r)
	e.restingBytes += r.SizeInBytes()
}

func (e *entry) addAction(r *Record) {
	e.actions = append(e.actions, r)
	e.restingBytes += r.SizeInBytes()
}

// needsDataCopyBeforeSending 은 in flight 레코드가 없고 resting 레코드가 있을 때 true.
func (e *entry) needsDataCopyBeforeSending() bool {
	return len(e.eventsBeingSent) == 0 && len(e.actionsBeingSent) == 0 &&
		(len(e.events) > 0 || len(e.actions) > 0)
}

// copyDataForSending 은 resting 레코드를 모두 in flight 로 옮기고
// 옮긴 바이트 수를 반환한다.
func (e *entry) copyDataForSending() int64 {
	moved := e.restingBytes

	e.eventsBeingSent = e.events
	e.actionsBeingSent = e.actions
	e.events = nil
	e.actions = nil
	e.restingBytes = 0

	return moved
}

// nextChunk
//
// prefix 뒤에 아직 표시되지 않은 in flight 레코드를 events → actions 순서로
// maxSize 를 넘지 않는 만큼 delimiter 로 이어 붙인다.
// 레코드 하나가 maxSize 보다 크더라도 최소 1건은 담는다 (전송이 영원히 막히지 않도록).
// 담을 레코드가 없으면 "" 를 반환한다.
func (e *entry) nextChunk(prefix string, maxSize int, delimiter byte) string {
	var sb strings.Builder
	sb.Grow(max(maxSize, len(prefix)))
	sb.WriteString(prefix)

	added := 0
	full := false
	appendRecords := func(records []*Record) {
		for _, r := range records {
			if full {
				return
			}
			if r.markedForSending {
				continue
			}
			if added > 0 && sb.Len()+1+len(r.Data) > maxSize {
				full = true
				return
			}
			sb.WriteByte(delimiter)
			sb.WriteString(r.Data)
			r.markedForSending = true
			added++
		}
	}
	appendRecords(e.eventsBeingSent)
	appendRecords(e.actionsBeingSent)

	if added == 0 {
		return ""
	}
	return sb.String()
}

// removeDataMarkedForSending 은 전송이 확인된 레코드를 버린다.
func (e *entry) removeDataMarkedForSending() {
	e.eventsBeingSent = removeMarked(e.eventsBeingSent)
	e.actionsBeingSent = removeMarked(e.actionsBeingSent)
}

// resetDataMarkedForSending 은 in flight 레코드를 모두 resting 맨 앞으로
// 되돌리고 되돌린 바이트 수를 반환한다.
func (e *entry) resetDataMarkedForSending() int64 {
	var restored int64
	for _, r := range e.eventsBeingSent {
		r.markedForSending = false
		restored += r.SizeInBytes()
	}
	for _, r := range e.actionsBeingSent {
		r.markedForSending = false
		restored += r.SizeInBytes()
	}

	e.events = append(e.eventsBeingSent, e.events...)
	e.actions = append(e.actionsBeingSent, e.actions...)
	e.eventsBeingSent = nil
	e.actionsBeingSent = nil
	e.restingBytes += restored

	return restored
}

// evictRecordsByAge 는 minTimestamp 보다 오래된 resting 레코드를 지우고
// (지운 개수, 지운 바이트 수)를 반환한다.
func (e *entry) evictRecordsByAge(minTimestamp int64) (int, int64) {
	var n int
	var bytes int64

	filter := func(records []*Record) []*Record {
		kept := records[:0]
		for _, r := range records {
			if r.Timestamp < minTimestamp {
				n++
				bytes += r.SizeInBytes()
				continue
			}
			kept = append(kept, r)
		}
		clearTail(records, len(kept))
		return kept
	}
	e.events = filter(e.events)
	e.actions = filter(e.actions)
	e.restingBytes -= bytes

	return n, bytes
}

// evictRecordsByNumber 는 가장 오래된 resting 레코드를 최대 count 개 지운다.
// 두 리스트 모두 삽입 순서(=시간 순서)이므로 앞에서부터 timestamp 를 비교해
// 더 오래된 쪽을 지운다. 같으면 event 를 먼저 지운다.
func (e *entry) evictRecordsByNumber(count int) (int, int64) {
	var n int
	var bytes int64

	for n < count {
		var victim *Record
		switch {
		case len(e.events) > 0 && len(e.actions) > 0:
			if e.actions[0].Timestamp < e.events[0].Timestamp {
				victim, e.actions = e.actions[0], e.actions[1:]
			} else {
				victim, e.events = e.events[0], e.events[1:]
			}
		case len(e.events) > 0:
			victim, e.events = e.events[0], e.events[1:]
		case len(e.actions) > 0:
			victim, e.actions = e.actions[0], e.actions[1:]
		default:
			e.restingBytes -= bytes
			return n, bytes
		}
		n++
		bytes += victim.SizeInBytes()
	}

	e.restingBytes -= bytes
	return n, bytes
}

func (e *entry) isEmpty() bool {
	return len(e.events) == 0 && len(e.actions) == 0 &&
		len(e.eventsBeingSent) == 0 && len(e.actionsBeingSent) == 0
}

func removeMarked(records []*Record) []*Record {
	kept := records[:0]
	for _, r := range records {
		if !r.markedForSending {
			kept = append(kept, r)
		}
	}
	clearTail(records, len(kept))
	if len(kept) == 0 {
		return nil
	}
	return kept
}

// clearTail 은 in-place 필터링 후 남은 뒤쪽 포인터를 비워 GC 가 회수하게 한다.
func clearTail(records []*Record, from int) {
	for i := from; i < len(records); i++ {
		records[i] = nil
	}
}

func snapshot(records []*Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Data)
	}
	return out
}
