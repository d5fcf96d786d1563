package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics 는 beacon 파이프라인 상태를 나타내는 카운터 모음이다.
// 모든 필드는 atomic 으로만 읽고 쓴다.
type Metrics struct {
	// ======================
	// 기록(Beacon) 레벨 지표
	// ======================

	// RecordsAddedTotal
	// - gating(capture / multiplicity / privacy)을 통과해 cache 에 기록된 레코드 수.
	// - action, event 구분 없이 AddActionData / AddEventData 마다 +1.
	RecordsAddedTotal int64

	// RecordsDroppedTotal
	// - gating 에 걸려 cache 에 쓰지 않고 버린 보고 호출 수.
	// - capture off, multiplicity 0, traffic control, privacy 설정이 모두 포함된다.
	// - RecordsAddedTotal 과 비교하면 설정 때문에 버려지는 비율을 알 수 있다.
	RecordsDroppedTotal int64

	// ======================
	// Cache 레벨 지표
	// ======================

	// CacheSizeBytes
	// - 전송 대기 중인(in-flight 제외) 레코드의 총 바이트 수. gauge.
	CacheSizeBytes int64

	// CacheEvictedByAgeTotal
	// - MaxRecordAge 를 넘겨 삭제된 레코드 수.
	CacheEvictedByAgeTotal int64

	// CacheEvictedBySpaceTotal
	// - UpperBound 초과로 오래된 것부터 삭제된 레코드 수.
	// - 이 값이 증가한다면 전송 속도가 기록 속도를 따라가지 못한다는 신호.
	CacheEvictedBySpaceTotal int64

	// ======================
	// HTTP 레벨 지표
	// ======================

	// StatusRequestsTotal / NewSessionRequestsTotal / BeaconRequestsTotal
	// - 논리 요청 수 (재시도는 HTTPRetriesTotal 로 따로 센다).
	StatusRequestsTotal     int64
	NewSessionRequestsTotal int64
	BeaconRequestsTotal     int64

	// HTTPRetriesTotal
	// - 전송 예외로 인한 재시도 횟수. 3회 모두 실패하면 +2.
	HTTPRetriesTotal int64

	// HTTPUnknownErrorsTotal
	// - 재시도 소진 또는 응답 파싱 실패로 sentinel 응답을 만든 횟수.
	HTTPUnknownErrorsTotal int64

	// BeaconChunksSentTotal
	// - 서버가 정상 응답한 beacon chunk 수.
	BeaconChunksSentTotal int64

	// BeaconChunksRequeuedTotal
	// - 전송 실패로 cache 에 되돌린 chunk 수.
	BeaconChunksRequeuedTotal int64

	// ======================
	// 세션 레벨 지표
	// ======================

	// SessionsSplitTotal
	// - events / idle timeout / max duration / crash 로 새 세션이 만들어진 횟수.
	SessionsSplitTotal int64

	// SessionsStartedTotal
	// - 수집 엔드포인트로 시작된 논리 세션(SessionProxy) 수.
	SessionsStartedTotal int64

	// ======================
	// 수집 엔드포인트 지표
	// ======================

	// CollectRequestsTotal / CollectRequestsRejectedTotal
	// - agent 의 /collect 요청 수와 형식 오류/크기 초과로 거절한 수.
	CollectRequestsTotal         int64
	CollectRequestsRejectedTotal int64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(512)

	fmt.Fprintf(&sb, "records_added_total=%d\n", atomic.LoadInt64(&m.RecordsAddedTotal))
	fmt.Fprintf(&sb, "records_dropped_total=%d\n", atomic.LoadInt64(&m.RecordsDroppedTotal))

	fmt.Fprintf(&sb, "cache_size_bytes=%d\n", atomic.LoadInt64(&m.CacheSizeBytes))
	fmt.Fprintf(&sb, "cache_evicted_by_age_total=%d\n", atomic.LoadInt64(&m.CacheEvictedByAgeTotal))
	fmt.Fprintf(&sb, "cache_evicted_by_space_total=%d\n", atomic.LoadInt64(&m.CacheEvictedBySpaceTotal))

	fmt.Fprintf(&sb, "status_requests_total=%d\n", atomic.LoadInt64(&m.StatusRequestsTotal))
	fmt.Fprintf(&sb, "new_session_requests_total=%d\n", atomic.LoadInt64(&m.NewSessionRequestsTotal))
	fmt.Fprintf(&sb, "beacon_requests_total=%d\n", atomic.LoadInt64(&m.BeaconRequestsTotal))
	fmt.Fprintf(&sb, "http_retries_total=%d\n", atomic.LoadInt64(&m.HTTPRetriesTotal))
	fmt.Fprintf(&sb, "http_unknown_errors_total=%d\n", atomic.LoadInt64(&m.HTTPUnknownErrorsTotal))
	fmt.Fprintf(&sb, "beacon_chunks_sent_total=%d\n", atomic.LoadInt64(&m.BeaconChunksSentTotal))
	fmt.Fprintf(&sb, "beacon_chunks_requeued_total=%d\n", atomic.LoadInt64(&m.BeaconChunksRequeuedTotal))

	fmt.Fprintf(&sb, "sessions_split_total=%d\n", atomic.LoadInt64(&m.SessionsSplitTotal))
	fmt.Fprintf(&sb, "sessions_started_total=%d\n", atomic.LoadInt64(&m.SessionsStartedTotal))

	fmt.Fprintf(&sb, "collect_requests_total=%d\n", atomic.LoadInt64(&m.CollectRequestsTotal))
	fmt.Fprintf(&sb, "collect_requests_rejected_total=%d\n", atomic.LoadInt64(&m.CollectRequestsRejectedTotal))

	return sb.String()
}
