package serializer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"abcXYZ019-.~", "abcXYZ019-.~"},
		{"a b", "a%20b"},
		{"a_b", "a%5Fb"},
		{"x=1&y=2", "x%3D1%26y%3D2"},
		{"/path?q", "%2Fpath%3Fq"},
		{"é", "%C3%A9"},
		{"한", "%ED%95%9C"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Encode(tc.in), "input %q", tc.in)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "한글", Truncate("한글입니다", 2))
	assert.Len(t, []rune(Truncate(strings.Repeat("x", 300), MaxNameLength)), MaxNameLength)
}

func TestActionRecordKeyOrder(t *testing.T) {
	got := ActionRecord(Action{
		ThreadID:      1234,
		ID:            17,
		ParentID:      0,
		Name:          "my action",
		StartSequence: 3,
		StartOffset:   100,
		EndSequence:   8,
		Duration:      250,
	})
	assert.Equal(t, "et=1&na=my%20action&it=1234&ca=17&pa=0&s0=3&t0=100&s1=8&t1=250", got)
}

func TestSessionRecords(t *testing.T) {
	assert.Equal(t, "et=18&it=5&pa=0&s0=1&t0=0", SessionStartRecord(5, 1))
	assert.Equal(t, "et=19&it=5&pa=0&s0=9&t0=4321", SessionEndRecord(5, 9, 4321))
}

func TestNamedEventRecordOmitsEmptyName(t *testing.T) {
	e := Event{ThreadID: 1, ParentID: 2, Sequence: 3, Offset: 4}
	assert.Equal(t, "et=10&it=1&pa=2&s0=3&t0=4", NamedEventRecord(e))

	e.Name = "click"
	assert.Equal(t, "et=10&na=click&it=1&pa=2&s0=3&t0=4", NamedEventRecord(e))
}

func TestValueRecords(t *testing.T) {
	e := Event{ThreadID: 1, ParentID: 2, Name: "v", Sequence: 3, Offset: 4}

	assert.Equal(t, "et=12&na=v&it=1&pa=2&s0=3&t0=4&vl=-42", IntValueRecord(e, -42))
	assert.Equal(t, "et=13&na=v&it=1&pa=2&s0=3&t0=4&vl=3.25", DoubleValueRecord(e, 3.25))

	s := "hello world"
	assert.Equal(t, "et=11&na=v&it=1&pa=2&s0=3&t0=4&vl=hello%20world", StringValueRecord(e, &s))

	empty := ""
	assert.Equal(t, "et=11&na=v&it=1&pa=2&s0=3&t0=4&vl=", StringValueRecord(e, &empty))
	assert.Equal(t, "et=11&na=v&it=1&pa=2&s0=3&t0=4", StringValueRecord(e, nil))
}

func TestErrorRecords(t *testing.T) {
	e := Event{ThreadID: 1, ParentID: 2, Name: "err", Sequence: 3, Offset: 4}

	assert.Equal(t, "et=40&na=err&it=1&pa=2&s0=3&t0=4&ev=500&tt=c", ErrorRecord(e, 500, "c"))
	assert.Equal(t,
		"et=42&na=err&it=1&pa=2&s0=3&t0=4&ev=NPE&rs=bad%20thing&st=at%20x&tt=c",
		ExceptionRecord(e, "NPE", "bad thing", "at x", "c"))
	assert.Equal(t,
		"et=42&na=err&it=1&pa=2&s0=3&t0=4&tt=c",
		ExceptionRecord(e, "", "", "", "c"))
}

func TestCrashRecordHasNoParent(t *testing.T) {
	e := Event{ThreadID: 1, ParentID: 99, Name: "boom", Sequence: 3, Offset: 4}
	assert.Equal(t, "et=50&na=boom&it=1&pa=0&s0=3&t0=4&rs=r&st=s&tt=c", CrashRecord(e, "r", "s", "c"))
}

func TestIdentifyUserRecord(t *testing.T) {
	e := Event{ThreadID: 1, ParentID: 5, Name: "user@example.com", Sequence: 3, Offset: 4}
	assert.Equal(t, "et=60&na=user%40example.com&it=1&pa=0&s0=3&t0=4", IdentifyUserRecord(e))
}

func TestWebRequestRecordOmissions(t *testing.T) {
	w := WebRequest{
		ThreadID:      1,
		ParentID:      2,
		URL:           "http://x.io/a",
		StartSequence: 3,
		StartOffset:   4,
		EndSequence:   5,
		Duration:      6,
		BytesSent:     -1,
		BytesReceived: -1,
		ResponseCode:  -1,
	}
	assert.Equal(t, "et=30&na=http%3A%2F%2Fx.io%2Fa&it=1&pa=2&s0=3&t0=4&s1=5&t1=6", WebRequestRecord(w))

	w.BytesSent, w.BytesReceived, w.ResponseCode = 10, 20, 200
	assert.Equal(t,
		"et=30&na=http%3A%2F%2Fx.io%2Fa&it=1&pa=2&s0=3&t0=4&s1=5&t1=6&bs=10&br=20&rc=200",
		WebRequestRecord(w))
}

func TestLongNameTruncatedBeforeEncoding(t *testing.T) {
	e := Event{Name: strings.Repeat("a", 300)}
	got := NamedEventRecord(e)
	assert.Contains(t, got, "na="+strings.Repeat("a", MaxNameLength)+"&")
}

func TestBuilderRaw(t *testing.T) {
	var b Builder
	b.Int("a", 1).Raw("b", "x_y").String("c", "x_y")
	assert.Equal(t, "a=1&b=x_y&c=x%5Fy", b.Build())
}
