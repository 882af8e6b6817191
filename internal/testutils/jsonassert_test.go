package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingT struct {
	errors []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestJSONAsserter_DefaultOptions(t *testing.T) {
	opts := NewJSONAsserter(t).options

	assert.True(t, opts.IgnoreExtraKeys, "IgnoreExtraKeys MUST default to true")
	assert.True(t, opts.AllowPresencePlaceholder, "AllowPresencePlaceholder MUST default to true")
	assert.False(t, opts.IgnoreArrayOrder)
	assert.Empty(t, opts.IgnoredFields)
}

func TestJSONAsserter_Assert(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		actual   string
		expected string
		fails    bool
	}{
		{
			name:     "equal",
			actual:   `{"channelId":"001","size":3}`,
			expected: `{"channelId":"001","size":3}`,
		},
		{
			name:     "extra keys ignored by default",
			actual:   `{"channelId":"001","data":"AQID","size":3}`,
			expected: `{"channelId":"001"}`,
		},
		{
			name:     "extra keys reported when strict",
			opts:     []Option{WithIgnoreExtraKeys(false)},
			actual:   `{"channelId":"001","size":3}`,
			expected: `{"channelId":"001"}`,
			fails:    true,
		},
		{
			name:     "value mismatch",
			actual:   `{"channelId":"002"}`,
			expected: `{"channelId":"001"}`,
			fails:    true,
		},
		{
			name:     "presence placeholder",
			actual:   `{"channelId":"001","data":"AQID"}`,
			expected: `{"channelId":"001","data":"<<PRESENCE>>"}`,
		},
		{
			name:     "presence placeholder requires the key",
			actual:   `{"channelId":"001"}`,
			expected: `{"channelId":"001","data":"<<PRESENCE>>"}`,
			fails:    true,
		},
		{
			name:     "ignored fields",
			opts:     []Option{WithIgnoredFields("size"), WithIgnoreExtraKeys(false)},
			actual:   `{"channelId":"001","size":3}`,
			expected: `{"channelId":"001","size":9}`,
		},
		{
			name:     "root arrays",
			actual:   `[{"n":1},{"n":2}]`,
			expected: `[{"n":1},{"n":2}]`,
		},
		{
			name:     "array order matters by default",
			actual:   `[{"n":2},{"n":1}]`,
			expected: `[{"n":1},{"n":2}]`,
			fails:    true,
		},
		{
			name:     "array order ignored",
			opts:     []Option{WithIgnoreArrayOrder(true)},
			actual:   `{"devices":[{"address":"bb"},{"address":"aa"}]}`,
			expected: `{"devices":[{"address":"aa"},{"address":"bb"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &recordingT{}
			NewJSONAsserter(rt).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			if tt.fails {
				assert.NotEmpty(t, rt.errors, "assertion MUST fail")
			} else {
				assert.Empty(t, rt.errors, "assertion MUST pass")
			}
		})
	}
}

func TestJSONAsserter_AssertPayload(t *testing.T) {
	rt := &recordingT{}
	NewJSONAsserter(rt).AssertPayload(map[string]any{"returnValue": true, "subscribed": false},
		`{"returnValue": true}`)
	assert.Empty(t, rt.errors)
}
