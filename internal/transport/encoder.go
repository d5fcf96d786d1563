package transport

import (
	"bytes"

	"estat-beacon/internal/pool"

	"github.com/klauspost/compress/gzip"
)

// Encoder 는 beacon payload 를 gzip 으로 압축한다.
//
// 특징:
//   - gzip.Writer + bytes.Buffer 재사용(pool 기반)
//   - 결과는 새로운 []byte 로 복사해 호출자에게 소유권을 넘김
//     (pool 버퍼를 그대로 반환하면 재시도 중에 내용이 바뀔 수 있음)
type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// Compress 는 payload 를 gzip 으로 압축해 반환한다.
// 같은 결과를 재시도마다 다시 보낼 수 있도록 한 번만 압축한다.
func (e *Encoder) Compress(payload []byte) ([]byte, error) {

	// ------------------------------------------------------------
	// 1) 결과 버퍼와 gzip.Writer 를 pool 에서 가져온다
	// ------------------------------------------------------------
	buf := pool.BufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)

	// ------------------------------------------------------------
	// 2) 압축
	// ------------------------------------------------------------
	if _, err := gz.Write(payload); err != nil {
		_ = gz.Close()
		pool.GzipPool.Put(gz)
		pool.PutBuffer(buf)
		return nil, err
	}

	// ------------------------------------------------------------
	// 3) gzip footer flush & close
	// ------------------------------------------------------------
	if err := gz.Close(); err != nil {
		pool.GzipPool.Put(gz)
		pool.PutBuffer(buf)
		return nil, err
	}
	pool.GzipPool.Put(gz)

	// ------------------------------------------------------------
	// 4) 호출자 소유의 slice 로 복사 후 버퍼 반환
	// ------------------------------------------------------------
	raw := buf.Bytes()
	data := make([]byte, len(raw))
	copy(data, raw)

	pool.PutBuffer(buf)

	return data, nil
}
