package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManagerOrder(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), nil, time.Second)

	var order []string
	sm.RegisterShutdownFunc("storage", func(ctx context.Context) error {
		order = append(order, "storage")
		return nil
	})
	sm.RegisterShutdownFunc("renewal", func(ctx context.Context) error {
		order = append(order, "renewal")
		return nil
	})

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, []string{"renewal", "storage"}, order)
}

func TestShutdownManagerCollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), nil, time.Second)
	boom := errors.New("boom")
	ran := false

	sm.RegisterShutdownFunc("ok", func(ctx context.Context) error {
		ran = true
		return nil
	})
	sm.RegisterShutdownFunc("bad", func(ctx context.Context) error { return boom })

	err := sm.Shutdown()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, ran, "later functions still run after a failure")
}

func TestWaitForShutdownOnContext(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0"}
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, sm.WaitForShutdown(ctx))
}
