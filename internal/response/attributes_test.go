package response

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func sampleAttributes() Attributes {
	return NewBuilder(UndefinedDefaults).
		WithMaxBeaconSizeInBytes(1000).
		WithServerID(3).
		WithCapture(false).
		WithApplicationID("app").
		Build()
}

func TestMergeWithUnsetIsIdentity(t *testing.T) {
	target := sampleAttributes()
	unset := NewBuilder(JSONDefaults).Build()

	merged := target.Merge(unset)

	if diff := cmp.Diff(target, merged, cmp.AllowUnexported(Attributes{})); diff != "" {
		t.Errorf("Merge(unset) mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeSourceWinsWhenSet(t *testing.T) {
	target := sampleAttributes()
	source := NewBuilder(KeyValueDefaults).
		WithServerID(42).
		WithMultiplicity(5).
		Build()

	merged := target.Merge(source)

	assert.Equal(t, 42, merged.ServerID())
	assert.Equal(t, 5, merged.Multiplicity())
	assert.True(t, merged.IsAttributeSet(AttrMultiplicity))

	// target 에서 온 값은 유지
	assert.Equal(t, 1000, merged.MaxBeaconSizeInBytes())
	assert.False(t, merged.IsCapture())
	assert.Equal(t, "app", merged.ApplicationID())
	assert.True(t, merged.IsAttributeSet(AttrApplicationID))

	// 어느 쪽에도 없던 항목
	assert.False(t, merged.IsAttributeSet(AttrSessionTimeout))
	assert.Equal(t, UndefinedDefaults.SessionTimeoutInMillis(), merged.SessionTimeoutInMillis())
}

func TestMergeEveryAttribute(t *testing.T) {
	source := NewBuilder(UndefinedDefaults).
		WithMaxBeaconSizeInBytes(1).
		WithMaxSessionDurationInMillis(2).
		WithMaxEventsPerSession(3).
		WithSessionTimeoutInMillis(4).
		WithSendIntervalInMillis(5).
		WithVisitStoreVersion(6).
		WithCapture(false).
		WithCaptureCrashes(false).
		WithCaptureErrors(false).
		WithTrafficControlPercentage(7).
		WithApplicationID("x").
		WithMultiplicity(8).
		WithServerID(9).
		WithStatus("s").
		WithTimestamp(10).
		Build()

	merged := JSONDefaults.Merge(source)

	if diff := cmp.Diff(source, merged, cmp.AllowUnexported(Attributes{})); diff != "" {
		t.Errorf("fully set source should win everywhere (-want +got):\n%s", diff)
	}
}

func TestBuilderStartsUnset(t *testing.T) {
	attrs := NewBuilder(sampleAttributes()).Build()
	for attr := Attribute(0); attr < attrCount; attr++ {
		assert.False(t, attrs.IsAttributeSet(attr))
	}
	assert.Equal(t, 1000, attrs.MaxBeaconSizeInBytes())
}
