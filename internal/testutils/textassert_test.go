package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type textRecordingT struct {
	failures []string
}

func (r *textRecordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestTextAsserter_Match(t *testing.T) {
	tests := []struct {
		name     string
		opts     []TextOption
		actual   string
		expected string
		match    bool
	}{
		{name: "identical", actual: "a\nb\n", expected: "a\nb", match: true},
		{name: "trailing blanks trimmed by default", actual: "a  \nb\t", expected: "a\nb", match: true},
		{name: "trailing blanks kept", opts: []TextOption{WithTrimLines(false)}, actual: "a  ", expected: "a", match: false},
		{name: "empty lines significant", actual: "a\n\nb", expected: "a\nb", match: false},
		{name: "empty lines ignored", opts: []TextOption{WithIgnoreEmptyLines(true)}, actual: "a\n\nb", expected: "a\nb", match: true},
		{name: "leading blanks significant", actual: "  a", expected: "a", match: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &textRecordingT{}
			ok := NewTextAsserter(rec, tt.opts...).Assert(tt.actual, tt.expected)
			assert.Equal(t, tt.match, ok)
			assert.Equal(t, tt.match, len(rec.failures) == 0)
		})
	}
}

func TestTextAsserter_Diff(t *testing.T) {
	d := NewTextAsserter(t).Diff("1101 Serial Port\n1108 Headset", "1101 Serial Port\n111e Handsfree")
	assert.Contains(t, d, "--- expected")
	assert.Contains(t, d, "+++ actual")
	assert.Contains(t, d, "-111e Handsfree")
	assert.Contains(t, d, "+1108 Headset")
	assert.NotContains(t, d, "\x1b[", "plain diff MUST NOT carry escape codes")

	colored := NewTextAsserter(t, WithEnableColors(true)).Diff("a b", "a c")
	assert.Contains(t, colored, "\x1b[")
	assert.True(t, strings.Contains(colored, "a·b"), "colored diff MUST show spaces")
}
