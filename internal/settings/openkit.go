// internal/settings/openkit.go
package settings

// 프로토콜 상수. 서버와의 계약이므로 함부로 바꾸지 않는다.
const (
	ProtocolVersion     = 3
	OpenKitVersion      = "8.0.0000"
	PlatformTypeOpenKit = 1
	AgentTechnologyType = "okgo"
	ErrorTechnologyType = "c"
	DefaultServerID     = 1
)

// OpenKit
// ------------------------------------------------------------
// 애플리케이션(클라이언트) 측 고정 설정.
// 프로세스 시작 시 config.Config 로부터 만들어지며 이후 불변이다.
type OpenKit struct {
	EndpointURL        string
	DeviceID           int64
	ApplicationID      string
	ApplicationName    string
	ApplicationVersion string
	OperatingSystem    string
	Manufacturer       string
	ModelID            string
	DefaultServerID    int
}
