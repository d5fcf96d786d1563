// internal/provider/timing.go
package provider

import "time"

//
// timing.go
// ------------------------------------------------------------
// beacon 의 모든 시간 값(t0, t1, tv, tx, cache timestamp)은
// 밀리초 단위 epoch 값으로 계산한다.
//
// 테스트에서는 Timing 을 가짜로 주입해서 시간을 고정하거나
// 원하는 만큼 진행시킨다.
// ------------------------------------------------------------

// Timing 은 현재 시각(epoch ms)을 제공한다.
type Timing interface {
	NowMillis() int64
}

// SystemTiming 은 time.Now 기반 구현.
type SystemTiming struct{}

func (SystemTiming) NowMillis() int64 {
	return time.Now().UnixMilli()
}
