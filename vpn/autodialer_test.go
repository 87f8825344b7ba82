package vpn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpnctl/common"
	"github.com/yllada/vpnctl/metrics"
)

type stepLog struct {
	mu    sync.Mutex
	steps []ConnectionType
	errs  []error
}

func (l *stepLog) add(req Request, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, req.Type)
	l.errs = append(l.errs, err)
}

func (l *stepLog) types() []ConnectionType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnectionType(nil), l.steps...)
}

func TestAutoDialer_FailsOverToNextType(t *testing.T) {
	boom := common.NewProviderError("a", "tls handshake failed")
	a := newFakeProvider("a", boom, TypeOpenVPN)
	b := newFakeProvider("b", nil, TypeIKEv2)
	c := newTestController(t, a, b)
	rec := record(c.Events())

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, reg)
	d := NewAutoDialer(c, []ConnectionType{TypeOpenVPN, TypeIKEv2}, m)
	var log stepLog
	d.OnDialStepFailed(log.add)

	err := d.AutoDial(context.Background(), Request{Hostname: "vpn.example.com"})
	require.NoError(t, err)

	assert.Len(t, a.attempts(), 1)
	assert.Len(t, b.attempts(), 1)
	assert.Equal(t, TypeOpenVPN, a.attempts()[0].Type)
	assert.Equal(t, TypeIKEv2, b.attempts()[0].Type)
	assert.Equal(t, StateConnected, c.State())
	assert.Same(t, b, c.CurrentProvider())

	assert.Equal(t, []ConnectionType{TypeOpenVPN}, log.types())
	assert.Zero(t, rec.count(NotifyConnectError), "step failures are suppressed")
	assert.False(t, c.SuppressErrors())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DialSteps.WithLabelValues("OpenVPN", metrics.ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DialSteps.WithLabelValues("IKEv2", metrics.ResultSuccess)))
}

func TestAutoDialer_AbortBeforeSecondAttempt(t *testing.T) {
	a := newFakeProvider("a", common.NewProviderError("a", "refused"), TypeOpenVPN)
	b := newFakeProvider("b", nil, TypeIKEv2)
	c := newTestController(t, a, b)

	d := NewAutoDialer(c, []ConnectionType{TypeOpenVPN, TypeIKEv2}, nil)
	a.onConnect = func(Request) { d.AbortAutoDial() }
	var log stepLog
	d.OnDialStepFailed(log.add)

	err := <-d.BeginAutoDial(context.Background(), Request{Hostname: "vpn.example.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrCancelled)

	assert.Len(t, a.attempts(), 1)
	assert.Empty(t, b.attempts(), "second type must not be attempted")
	assert.Empty(t, log.types(), "aborted steps are not reported")
	assert.False(t, c.SuppressErrors())
}

func TestAutoDialer_Exhausted(t *testing.T) {
	errA := common.NewProviderError("a", "refused")
	errB := &common.AuthenticationError{Provider: "b", Message: "bad password"}
	a := newFakeProvider("a", errA, TypeOpenVPN)
	b := newFakeProvider("b", errB, TypeIKEv2)
	c := newTestController(t, a, b)
	rec := record(c.Events())

	d := NewAutoDialer(c, nil, nil)
	assert.Equal(t, []ConnectionType{TypeOpenVPN, TypeIKEv2}, d.ConnectionTypes())
	var log stepLog
	d.OnDialStepFailed(log.add)

	err := d.AutoDial(context.Background(), Request{Hostname: "vpn.example.com"})
	require.Error(t, err)
	assert.Equal(t, errB, err)
	assert.Equal(t, common.KindAuthentication, common.Classify(err))

	assert.Equal(t, []ConnectionType{TypeOpenVPN, TypeIKEv2}, log.types())
	errs := rec.errorsFor(NotifyConnectError)
	require.Len(t, errs, 1, "only the final error is raised")
	assert.Equal(t, errB, errs[0])
	assert.Equal(t, StateDisconnected, c.State())
}

func TestAutoDialer_RestoresSuppression(t *testing.T) {
	tests := []struct {
		name     string
		suppress bool
		fail     error
	}{
		{"off after success", false, nil},
		{"on after success", true, nil},
		{"on after exhaustion", true, common.NewProviderError("a", "refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(t, newFakeProvider("a", tt.fail, TypeOpenVPN))
			c.SetSuppressErrors(tt.suppress)

			_ = NewAutoDialer(c, nil, nil).AutoDial(context.Background(), Request{Hostname: "vpn.example.com"})
			assert.Equal(t, tt.suppress, c.SuppressErrors())
		})
	}
}

func TestAutoDialer_SingleFlight(t *testing.T) {
	a := newFakeProvider("a", nil, TypeOpenVPN)
	a.block = make(chan struct{})
	a.started = make(chan struct{})
	started := a.started
	c := newTestController(t, a)

	d := NewAutoDialer(c, nil, nil)
	first := d.BeginAutoDial(context.Background(), Request{Hostname: "vpn.example.com"})
	<-started

	err := d.AutoDial(context.Background(), Request{Hostname: "vpn.example.com"})
	assert.ErrorIs(t, err, common.ErrDialInProgress)

	d.AbortAutoDial()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, common.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("dial did not observe abort")
	}
	assert.False(t, c.IsConnected())
}

func TestAutoDialer_NoTypes(t *testing.T) {
	c := NewController(staticCreds())
	d := NewAutoDialer(c, nil, nil)

	err := d.AutoDial(context.Background(), Request{Hostname: "vpn.example.com"})
	assert.ErrorIs(t, err, common.ErrNoProviders)
}
