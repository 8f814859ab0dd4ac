package serialmux

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledSerialMux(t *testing.T) {
	var _ SerialMuxInterface = NewDisabledSerialMux("actuator")
	var _ SerialMuxInterface = NewSerialMux(NewTestableSerialPort(), "actuator")

	d := NewDisabledSerialMux("actuator")
	id, ch := d.Subscribe()
	_, other := d.Subscribe()
	d.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok, "unsubscribe closes the channel")

	_, blocking := d.SubscribeBlocking()
	assert.Zero(t, d.Dropped())

	assert.NoError(t, d.SendCommand("G,0,0,0,0"))
	assert.NoError(t, d.Initialize())

	require.NoError(t, d.Close())
	_, ok = <-other
	assert.False(t, ok, "close closes remaining channels")
	_, ok = <-blocking
	assert.False(t, ok)
	assert.NoError(t, d.Close(), "close is idempotent")

	_, late := d.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribing after close yields a closed channel")
}

func TestDisabledSerialMux_MonitorBlocksUntilCancel(t *testing.T) {
	d := NewDisabledSerialMux("sensor")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Monitor(ctx), context.DeadlineExceeded)
}

func TestDisabledSerialMux_AdminRoute(t *testing.T) {
	mux := http.NewServeMux()
	NewDisabledSerialMux("sensor").AttachAdminRoutes(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/sensor-disabled", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sensor serial disabled", w.Body.String())
}

func TestScriptedSerialMux(t *testing.T) {
	mux := NewScriptedSerialMux("sensor", []string{"S,dia,1,2", "B,st0,2"}, time.Millisecond)
	_, ch := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	for _, want := range []string{"S,dia,1,2", "B,st0,2"} {
		select {
		case got := <-ch:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	cancel()
	require.NoError(t, mux.port.Close())
}
