// internal/serializer/encode.go
package serializer

import (
	"strings"
	"unicode/utf8"
)

// ------------------------------------------------------------
// Percent encoding
//
// beacon 의 모든 자유 텍스트(이름, 사유, stack trace, URL, tag 의 app id)는
// RFC3986 unreserved 문자(A-Z a-z 0-9 - . ~)만 그대로 두고
// 나머지는 UTF-8 바이트 단위 %XX (대문자 hex)로 바꾼다.
//
// '_' 는 unreserved 지만 tag 구분자로 쓰이므로 항상 인코딩한다.
// ------------------------------------------------------------

const upperHex = "0123456789ABCDEF"

func isUnreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '~':
		return true
	}
	return false
}

// Encode 는 s 를 percent encoding 한다.
func Encode(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if !isUnreserved(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(upperHex[c>>4])
		sb.WriteByte(upperHex[c&0x0f])
	}
	return sb.String()
}

// 자유 텍스트 길이 상한 (문자 수)
const (
	MaxNameLength       = 250
	MaxReasonLength     = 1000
	MaxStackTraceLength = 128000
)

// Truncate 는 s 를 최대 max 문자(rune)로 자른다.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}

	count := 0
	for i := range s {
		if count == max {
			return s[:i]
		}
		count++
	}
	return s
}
