package beacon

import (
	"net"
	"net/http"
	"strings"
)

// ------------------------------------------------------------
// IP Utility Functions
//
// beacon prefix 의 "ip" 값과 X-Client-IP 헤더에 들어갈 클라이언트 IP.
// 잘못된 값은 보내지 않는다 (서버가 요청의 원격 주소를 대신 쓴다).
// ------------------------------------------------------------

// safeParseIP:
//   - 공백/빈 값 대응
//   - 잘못된 값이 들어오면 nil 반환
func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// isPublicIP:
//   - private / loopback / link-local 등이 아닌 경우 true
func isPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsPrivate() {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return false
	}
	return true
}

// NormalizeClientIP 는 s 가 올바른 IPv4/IPv6 주소면 정규화된 문자열을,
// 아니면 "" 와 false 를 반환한다.
func NormalizeClientIP(s string) (string, bool) {
	ip := safeParseIP(s)
	if ip == nil {
		return "", false
	}
	return ip.String(), true
}

// ------------------------------------------------------------
// ClientIPFromRequest:
//
// agent 의 수집 엔드포인트로 들어온 요청에서 "실제 사용자 IP"를 추출.
// 우선순위:
//  1. X-Forwarded-For → 첫 번째 public IP
//  2. X-Client-IP → public IP 이면 사용
//  3. RemoteAddr fallback (public 일 때만)
//
// 찾지 못하면 "" (세션 prefix 에서 ip 가 생략된다).
// ------------------------------------------------------------
func ClientIPFromRequest(r *http.Request) string {

	// 1) X-Forwarded-For
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// 예: "203.0.113.1, 10.0.1.24"
		for _, part := range strings.Split(xff, ",") {
			ip := safeParseIP(part)
			if isPublicIP(ip) {
				return ip.String()
			}
		}
	}

	// 2) X-Client-IP (앞단 agent 가 이미 채운 경우)
	if v := r.Header.Get("X-Client-IP"); v != "" {
		ip := safeParseIP(v)
		if isPublicIP(ip) {
			return ip.String()
		}
	}

	// 3) RemoteAddr fallback
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		ip := safeParseIP(host)
		if isPublicIP(ip) {
			return ip.String()
		}
	}

	return ""
}
