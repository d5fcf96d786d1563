// internal/config/config.go
package config

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"strings"
	"time"

	"estat-beacon/internal/model"
	"estat-beacon/internal/settings"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config
//
// agent 실행에 필요한 모든 설정 값.
// 기본값 < .env 파일 < 환경 변수 < 명령행 플래그 순으로 덮어쓴다.
// Load() 이후에는 변경되지 않는 불변(read-only) 값이다.
type Config struct {

	// ---------------------------
	// beacon 백엔드 / 애플리케이션
	// ---------------------------

	EndpointURL        string `mapstructure:"BEACON_ENDPOINT_URL"` // beacon 수신 URL (필수)
	ApplicationID      string `mapstructure:"APP_ID"`              // 애플리케이션 id (필수)
	ApplicationName    string `mapstructure:"APP_NAME"`
	ApplicationVersion string `mapstructure:"APP_VERSION"`
	ServerID           int    `mapstructure:"SERVER_ID"` // 첫 응답 전까지 쓰는 srvid

	// ---------------------------
	// 장치 정보
	// ---------------------------

	DeviceID        int64  `mapstructure:"DEVICE_ID"` // 0 이면 랜덤 생성
	OperatingSystem string `mapstructure:"DEVICE_OS"`
	Manufacturer    string `mapstructure:"DEVICE_MANUFACTURER"`
	ModelID         string `mapstructure:"DEVICE_MODEL"`
	DataCollection  string `mapstructure:"DATA_COLLECTION_LEVEL"` // off | performance | user_behavior
	CrashReporting  string `mapstructure:"CRASH_REPORTING_LEVEL"` // off | opt_out_crashes | opt_in_crashes

	// Load 가 위 문자열을 해석해서 채운다
	DataCollectionLvl model.DataCollectionLevel `mapstructure:"-"`
	CrashReportingLvl model.CrashReportingLevel `mapstructure:"-"`

	// ---------------------------
	// beacon cache
	// ---------------------------

	CacheMaxRecordAge    time.Duration `mapstructure:"CACHE_MAX_RECORD_AGE"`
	CacheLowerBoundBytes int64         `mapstructure:"CACHE_LOWER_BOUND_BYTES"`
	CacheUpperBoundBytes int64         `mapstructure:"CACHE_UPPER_BOUND_BYTES"`

	// ---------------------------
	// 네트워크
	// ---------------------------

	HTTPTimeout time.Duration `mapstructure:"HTTP_TIMEOUT"` // beacon 백엔드 요청 timeout
	HTTPAddr    string        `mapstructure:"HTTP_ADDR"`    // agent 수집 엔드포인트 bind 주소
	MaxBodySize int64         `mapstructure:"MAX_BODY_SIZE"`

	// ---------------------------
	// 로깅 / 식별
	// ---------------------------

	ServiceName string `mapstructure:"SERVICE_NAME"`
	InstanceID  string `mapstructure:"INSTANCE_ID"` // 비어 있으면 hostname, 실패 시 uuid
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogPretty   bool   `mapstructure:"LOG_PRETTY"`
	LogSampleN  uint32 `mapstructure:"LOG_SAMPLE_N"`
}

// flag 이름 → 설정 키
var flagKeys = map[string]string{
	"endpoint-url":          "BEACON_ENDPOINT_URL",
	"app-id":                "APP_ID",
	"app-name":              "APP_NAME",
	"app-version":           "APP_VERSION",
	"server-id":             "SERVER_ID",
	"device-id":             "DEVICE_ID",
	"data-collection-level": "DATA_COLLECTION_LEVEL",
	"crash-reporting-level": "CRASH_REPORTING_LEVEL",
	"http-addr":             "HTTP_ADDR",
	"log-level":             "LOG_LEVEL",
	"log-pretty":            "LOG_PRETTY",
}

// Flags 는 Load 가 해석하는 명령행 플래그 집합.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("estat-beacon", pflag.ContinueOnError)
	fs.String("endpoint-url", "", "beacon endpoint URL")
	fs.String("app-id", "", "application id")
	fs.String("app-name", "", "application name")
	fs.String("app-version", "", "application version")
	fs.Int("server-id", settings.DefaultServerID, "server id used before the first server response")
	fs.Int64("device-id", 0, "device id (0 = random)")
	fs.String("data-collection-level", "user_behavior", "off | performance | user_behavior")
	fs.String("crash-reporting-level", "opt_in_crashes", "off | opt_out_crashes | opt_in_crashes")
	fs.String("http-addr", ":8080", "collect endpoint bind address")
	fs.String("log-level", "info", "log level")
	fs.Bool("log-pretty", false, "human readable console logs")
	return fs
}

// Load
//
// 기본값, .env, 환경 변수, args 의 플래그를 합쳐 Config 를 만든다.
// 필수 값이 비었거나 형식이 잘못되면 에러 (fail-fast 는 호출자가 결정).
func Load(args []string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // .env 는 없어도 된다

	v.AutomaticEnv()

	v.SetDefault("BEACON_ENDPOINT_URL", "")
	v.SetDefault("APP_ID", "")
	v.SetDefault("APP_NAME", "")
	v.SetDefault("APP_VERSION", "")
	v.SetDefault("SERVER_ID", settings.DefaultServerID)
	v.SetDefault("DEVICE_ID", 0)
	v.SetDefault("DEVICE_OS", runtime.GOOS)
	v.SetDefault("DEVICE_MANUFACTURER", "")
	v.SetDefault("DEVICE_MODEL", runtime.GOARCH)
	v.SetDefault("DATA_COLLECTION_LEVEL", "user_behavior")
	v.SetDefault("CRASH_REPORTING_LEVEL", "opt_in_crashes")
	v.SetDefault("CACHE_MAX_RECORD_AGE", "105m")
	v.SetDefault("CACHE_LOWER_BOUND_BYTES", 80*1024*1024)
	v.SetDefault("CACHE_UPPER_BOUND_BYTES", 100*1024*1024)
	v.SetDefault("HTTP_TIMEOUT", "10s")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("MAX_BODY_SIZE", 64*1024)
	v.SetDefault("SERVICE_NAME", "estat-beacon")
	v.SetDefault("INSTANCE_ID", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("LOG_SAMPLE_N", 0)

	// 플래그는 명시적으로 준 것만 env 를 덮어쓴다
	fs := Flags()
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("config: bind flag %s: %w", name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	c.EndpointURL = strings.TrimSpace(c.EndpointURL)
	c.ApplicationID = strings.TrimSpace(c.ApplicationID)

	if c.EndpointURL == "" {
		return errors.New("config: BEACON_ENDPOINT_URL must be set")
	}
	if c.ApplicationID == "" {
		return errors.New("config: APP_ID must be set")
	}

	var ok bool
	if c.DataCollectionLvl, ok = model.ParseDataCollectionLevel(strings.TrimSpace(c.DataCollection)); !ok {
		return fmt.Errorf("config: invalid DATA_COLLECTION_LEVEL %q", c.DataCollection)
	}
	if c.CrashReportingLvl, ok = model.ParseCrashReportingLevel(strings.TrimSpace(c.CrashReporting)); !ok {
		return fmt.Errorf("config: invalid CRASH_REPORTING_LEVEL %q", c.CrashReporting)
	}

	if c.ServerID <= 0 {
		c.ServerID = settings.DefaultServerID
	}
	if c.DeviceID == 0 {
		c.DeviceID = randomDeviceID()
	}
	if c.DeviceID < 0 {
		return fmt.Errorf("config: DEVICE_ID must be positive, got %d", c.DeviceID)
	}
	if c.InstanceID == "" {
		c.InstanceID = fallbackInstanceID()
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return nil
}

// ToOpenKit 은 beacon 이 쓰는 애플리케이션 설정 스냅샷.
func (c *Config) ToOpenKit() settings.OpenKit {
	return settings.OpenKit{
		EndpointURL:        c.EndpointURL,
		DeviceID:           c.DeviceID,
		ApplicationID:      c.ApplicationID,
		ApplicationName:    c.ApplicationName,
		ApplicationVersion: c.ApplicationVersion,
		OperatingSystem:    c.OperatingSystem,
		Manufacturer:       c.Manufacturer,
		ModelID:            c.ModelID,
		DefaultServerID:    c.ServerID,
	}
}

func (c *Config) ToPrivacy() settings.Privacy {
	return settings.NewPrivacy(c.DataCollectionLvl, c.CrashReportingLvl)
}

func (c *Config) ToCache() settings.Cache {
	cache := settings.DefaultCache()
	cache.MaxRecordAge = c.CacheMaxRecordAge
	cache.LowerBoundBytes = c.CacheLowerBoundBytes
	cache.UpperBoundBytes = c.CacheUpperBoundBytes
	return cache
}

// randomDeviceID 는 uuid 앞 8바이트로 만든 양수 63bit 값.
func randomDeviceID() int64 {
	u := uuid.New()
	return int64(binary.BigEndian.Uint64(u[:8]) & math.MaxInt64)
}

// fallbackInstanceID
//
// 이 agent 인스턴스를 식별하는 고유 값.
//   - 기본: hostname
//   - fallback: uuid
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return uuid.NewString()
}
