package vpn

import (
	"context"
	"fmt"
	"sync"

	"github.com/yllada/vpnctl/common"
)

// fakeProvider connects instantly, or fails with fail, or blocks on block
// until ctx is done.
type fakeProvider struct {
	providerBase
	protocols []ConnectionType
	fail      error
	block     chan struct{}
	started   chan struct{}
	onConnect func(Request)

	mu2      sync.Mutex
	requests []Request
}

func newFakeProvider(name string, fail error, types ...ConnectionType) *fakeProvider {
	return &fakeProvider{
		providerBase: providerBase{name: name},
		protocols:    types,
		fail:         fail,
	}
}

func (p *fakeProvider) AvailableProtocols() []ConnectionType { return p.protocols }

func (p *fakeProvider) Connect(ctx context.Context, req Request) error {
	p.mu2.Lock()
	p.requests = append(p.requests, req)
	p.mu2.Unlock()

	p.markConnecting(req)
	if p.onConnect != nil {
		p.onConnect(req)
	}
	if p.started != nil {
		close(p.started)
		p.started = nil
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			err := fmt.Errorf("%w: %v", common.ErrCancelled, ctx.Err())
			p.markDown(err, downFailure)
			return err
		}
	}
	if p.fail != nil {
		p.markDown(p.fail, downFailure)
		return p.fail
	}
	if !p.markUp() {
		return common.ErrCancelled
	}
	return nil
}

func (p *fakeProvider) Disconnect() error {
	p.markDown(nil, downUser)
	return nil
}

func (p *fakeProvider) Abort() error {
	p.markDown(nil, downAbort)
	return nil
}

func (p *fakeProvider) attempts() []Request {
	p.mu2.Lock()
	defer p.mu2.Unlock()
	return append([]Request(nil), p.requests...)
}

// recorder collects lifecycle notifications in order.
type recorder struct {
	mu     sync.Mutex
	got    []Notification
	events []Event
}

func record(e *Events) *recorder {
	r := &recorder{}
	for n := NotifyConnecting; n <= NotifyDriverInstallRequired; n++ {
		n := n
		e.On(n, func(ev Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.got = append(r.got, n)
			r.events = append(r.events, ev)
		})
	}
	return r
}

func (r *recorder) list() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func (r *recorder) count(n Notification) int {
	c := 0
	for _, got := range r.list() {
		if got == n {
			c++
		}
	}
	return c
}

func (r *recorder) errorsFor(n Notification) []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []error
	for i, got := range r.got {
		if got == n {
			out = append(out, r.events[i].Err)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got, r.events = nil, nil
}

func staticCreds() CredentialSupplier {
	return CredentialFunc(func(ConnectionType) (Credentials, error) {
		return Credentials{Username: "alice", Secret: common.NewSecret("s3cret")}, nil
	})
}

func newTestController(t interface{ Helper() }, providers ...Provider) *Controller {
	c := NewController(staticCreds())
	for _, p := range providers {
		if err := c.Register(p); err != nil {
			panic(err)
		}
	}
	return c
}
