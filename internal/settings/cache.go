// internal/settings/cache.go
package settings

import "time"

// Cache
//
// 메모리 beacon cache 의 eviction 정책 값.
//   - MaxRecordAge:     이보다 오래된 레코드는 시간 기준 eviction 대상
//   - LowerBoundBytes:  공간 기준 eviction 이 멈추는 지점
//   - UpperBoundBytes:  이 크기를 넘으면 공간 기준 eviction 시작
//   - EvictionInterval: 시간 기준 eviction 실행 주기
type Cache struct {
	MaxRecordAge     time.Duration
	LowerBoundBytes  int64
	UpperBoundBytes  int64
	EvictionInterval time.Duration
}

// DefaultCache 는 100MB 상한, 80MB 하한, 1시간 45분 보존.
func DefaultCache() Cache {
	return Cache{
		MaxRecordAge:     105 * time.Minute,
		LowerBoundBytes:  80 * 1024 * 1024,
		UpperBoundBytes:  100 * 1024 * 1024,
		EvictionInterval: time.Minute,
	}
}

// IsTimeEvictionEnabled 는 MaxRecordAge 가 양수일 때.
func (c Cache) IsTimeEvictionEnabled() bool {
	return c.MaxRecordAge > 0
}

// IsSpaceEvictionEnabled 는 하한/상한이 모두 양수이고 하한 < 상한 일 때.
func (c Cache) IsSpaceEvictionEnabled() bool {
	return c.LowerBoundBytes > 0 && c.UpperBoundBytes > 0 && c.LowerBoundBytes < c.UpperBoundBytes
}
