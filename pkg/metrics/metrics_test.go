package metrics

import (
	"testing"
	"time"

	"github.com/jwoglom/fiscalbridge/pkg/command"
	"github.com/jwoglom/fiscalbridge/pkg/session"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// TestSessionStateGauge checks that exactly one state is set
func TestSessionStateGauge(t *testing.T) {
	m := New()

	m.NotifyStateChange(session.StateDisconnected, session.StateConnecting)
	m.NotifyStateChange(session.StateConnecting, session.StateIdle)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionState.WithLabelValues("Idle")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessionState.WithLabelValues("Disconnected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessionState.WithLabelValues("Connecting")))
}

// TestCommandCounters checks result labeling
func TestCommandCounters(t *testing.T) {
	m := New()
	ping := command.New(command.KindPing)

	m.NotifyResult(command.Succeeded(ping, nil, 1), 10*time.Millisecond)
	m.NotifyResult(command.Failed(ping, command.Errorf(command.ErrConnect, "down"), 0), time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("ping", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("ping", "ConnectError")))
}

// TestRegistryGathers checks that every collector registers cleanly
func TestRegistryGathers(t *testing.T) {
	m := New()
	m.RecordHTTPRequest("POST", "/api/command", "200", time.Millisecond)

	families, err := m.Registry().Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}
