package history

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yllada/vpnctl/common"
	"github.com/yllada/vpnctl/vpn"
)

// Tracker turns controller notifications into recorded sessions.
type Tracker struct {
	store *Store
	ctl   *vpn.Controller
	now   func() time.Time
	log   *zap.SugaredLogger

	mu      sync.Mutex
	open    *Session
	lastErr error
}

// Track subscribes a tracker to c that writes into store.
func Track(store *Store, c *vpn.Controller) *Tracker {
	t := &Tracker{
		store: store,
		ctl:   c,
		now:   time.Now,
		log:   common.Named("history"),
	}
	ev := c.Events()
	ev.OnConnected(t.connected)
	ev.OnConnectError(t.connectError)
	ev.OnDisconnected(t.disconnected)
	return t
}

func (t *Tracker) connected(e vpn.Event) {
	t.mu.Lock()
	// A provider switch hangs up silently, so the previous span ends here.
	prev := t.closeLocked()
	t.open = &Session{
		Provider: e.Provider,
		Type:     e.Type.String(),
		Host:     e.Host,
		Started:  t.now(),
	}
	t.mu.Unlock()

	t.write(prev)
}

func (t *Tracker) connectError(e vpn.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open != nil {
		t.lastErr = e.Err
	}
}

func (t *Tracker) disconnected(vpn.Event) {
	t.mu.Lock()
	s := t.closeLocked()
	t.mu.Unlock()

	t.write(s)
}

func (t *Tracker) closeLocked() *Session {
	if t.open == nil {
		return nil
	}
	s := t.open
	s.Ended = t.now()
	u := t.ctl.Usage()
	s.BytesSent, s.BytesReceived = u.BytesSent, u.BytesReceived
	if t.lastErr != nil {
		s.Error = t.lastErr.Error()
	}
	t.open, t.lastErr = nil, nil
	return s
}

func (t *Tracker) write(s *Session) {
	if s == nil {
		return
	}
	if _, err := t.store.Record(context.Background(), *s); err != nil {
		t.log.Warnf("Recording session to %s: %v", s.Host, err)
	}
}
