package groutine

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_NameIsVisibleInContext(t *testing.T) {
	names := make(chan string, 1)

	Go(nil, "worker-42", func(ctx context.Context) {
		names <- GetName(ctx)
	})

	select {
	case name := <-names:
		assert.Equal(t, "worker-42", name, "goroutine name MUST be propagated through context")
	case <-time.After(time.Second):
		t.Fatal("goroutine did not start")
	}
}

func TestGetName_WithoutName(t *testing.T) {
	assert.Empty(t, GetName(context.Background()))
	assert.Empty(t, GetName(nil)) //nolint:staticcheck // nil context is handled explicitly
}

func TestGoSafe_RecoversPanic(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	done := make(chan struct{})

	GoSafe(context.Background(), "panicky", logger, func(ctx context.Context) {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGetGID_DiffersAcrossGoroutines(t *testing.T) {
	main := GetGID()
	require.NotZero(t, main, "goroutine id MUST be parsed")

	other := make(chan uint64, 1)
	go func() { other <- GetGID() }()

	assert.NotEqual(t, main, <-other, "goroutine ids MUST differ")
}
