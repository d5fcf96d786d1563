// internal/settings/privacy.go
package settings

import "estat-beacon/internal/model"

// Privacy
//
// 사용자 동의 수준(data collection / crash reporting)에서 파생되는
// 카테고리별 전송 허용 여부.
// 세션 생성 시점에 한 번 정해지며 이후 바뀌지 않는다.
type Privacy struct {
	DataCollectionLevel model.DataCollectionLevel
	CrashReportingLevel model.CrashReportingLevel
}

func NewPrivacy(dl model.DataCollectionLevel, cl model.CrashReportingLevel) Privacy {
	return Privacy{DataCollectionLevel: dl, CrashReportingLevel: cl}
}

func (p Privacy) IsDeviceIDSendingAllowed() bool {
	return p.DataCollectionLevel == model.DataCollectionUserBehavior
}

func (p Privacy) IsSessionNumberReportingAllowed() bool {
	return p.DataCollectionLevel == model.DataCollectionUserBehavior
}

func (p Privacy) IsWebRequestTracingAllowed() bool {
	return p.DataCollectionLevel != model.DataCollectionOff
}

func (p Privacy) IsSessionReportingAllowed() bool {
	return p.DataCollectionLevel != model.DataCollectionOff
}

func (p Privacy) IsActionReportingAllowed() bool {
	return p.DataCollectionLevel != model.DataCollectionOff
}

func (p Privacy) IsValueReportingAllowed() bool {
	return p.DataCollectionLevel == model.DataCollectionUserBehavior
}

func (p Privacy) IsEventReportingAllowed() bool {
	return p.DataCollectionLevel == model.DataCollectionUserBehavior
}

func (p Privacy) IsErrorReportingAllowed() bool {
	return p.DataCollectionLevel != model.DataCollectionOff
}

func (p Privacy) IsCrashReportingAllowed() bool {
	return p.CrashReportingLevel == model.CrashReportingOptInCrashes
}

func (p Privacy) IsUserIdentificationAllowed() bool {
	return p.DataCollectionLevel == model.DataCollectionUserBehavior
}
