package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// sender 는 send interval 마다 세션 수 × chunk 수 만큼
// gzip 압축과 응답 body 읽기를 반복한다.
// 매번 gzip.Writer 와 버퍼를 새로 만들지 않도록 재사용한다.
// ---------------------------------------------------------------

var (
	// BodyPool:
	//   - HTTP 응답 body 를 읽는 임시 버퍼
	//   - status 응답은 대부분 1KB 미만이라 초기 용량 4KB
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// BufferPool:
	//   - gzip 압축 결과를 담는 임시 버퍼
	//   - 초기 용량 64KB (기본 beacon 크기 150KB 의 압축 결과를 여유 있게 수용)
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 64*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer 재사용
	//   - BestSpeed: 클라이언트 CPU 를 아끼는 쪽을 택한다
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// Pool 에 되돌려줄 최대 버퍼 용량.
// 이보다 큰 버퍼는 GC 에 맡긴다.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// PutBody:
//   - 응답 body 버퍼 반환
//   - maxCap 보다 커진 버퍼는 버린다
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// PutBuffer:
//   - gzip 결과 버퍼 반환
//   - 1MB 이하만 재사용
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}
