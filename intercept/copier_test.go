// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package intercept_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"mellium.im/xmppd/component"
	"mellium.im/xmppd/intercept"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
)

// captureHandler records stanzas routed to an address.
type captureHandler struct {
	mu      sync.Mutex
	stanzas []stanza.Stanza
}

func (h *captureHandler) HandleStanza(_ context.Context, st stanza.Stanza) error {
	h.mu.Lock()
	h.stanzas = append(h.stanzas, st)
	h.mu.Unlock()
	return nil
}

func (h *captureHandler) received() []stanza.Stanza {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]stanza.Stanza(nil), h.stanzas...)
}

func newCopier(t *testing.T, opts intercept.CopierOptions) (*intercept.Copier, *router.Table) {
	t.Helper()
	table := router.NewTable()
	// A long interval keeps the periodic drain out of the way; tests flush
	// explicitly.
	if opts.Interval == 0 {
		opts.Interval = time.Hour
	}
	c := intercept.NewCopier(jid.MustParse("example.net"), table, opts)
	t.Cleanup(c.Stop)
	return c, table
}

func TestCopierBackpressure(t *testing.T) {
	c, _ := newCopier(t, intercept.CopierOptions{Capacity: 100})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 101; i++ {
			c.Enqueue(stanza.Message{To: jid.MustParse("juliet@example.net")}, true, false)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	if got := c.Len(); got != 100 {
		t.Errorf("queue holds %d snapshots, want 100 with the overflow dropped", got)
	}
}

func TestCopierFanOut(t *testing.T) {
	c, table := newCopier(t, intercept.CopierOptions{})

	audit := &captureHandler{}
	auditAddr := jid.MustParse("audit.example.net")
	if err := table.AddRoute(auditAddr, audit); err != nil {
		t.Fatalf("AddRoute() = %v", err)
	}
	c.AddSubscriber(auditAddr, intercept.Subscription{
		Message:     true,
		Incoming:    true,
		Unprocessed: true,
	})

	other := &captureHandler{}
	otherAddr := jid.MustParse("metrics.example.net")
	if err := table.AddRoute(otherAddr, other); err != nil {
		t.Fatalf("AddRoute() = %v", err)
	}
	c.AddSubscriber(otherAddr, intercept.Subscription{
		Presence:    true,
		Incoming:    true,
		Unprocessed: true,
	})

	c.Enqueue(stanza.Message{
		To:       jid.MustParse("juliet@example.net"),
		From:     jid.MustParse("romeo@example.net/home"),
		InnerXML: "<body>o romeo</body>",
	}, true, false)
	c.Enqueue(stanza.IQ{To: jid.MustParse("juliet@example.net"), Type: stanza.GetIQ}, true, false)
	c.Flush()

	got := audit.received()
	if len(got) != 1 {
		t.Fatalf("audit subscriber received %d notifications, want 1", len(got))
	}
	msg, ok := got[0].(stanza.Message)
	if !ok {
		t.Fatalf("notification is a %T, want a message envelope", got[0])
	}
	if !msg.From.Equal(jid.MustParse("example.net")) {
		t.Errorf("envelope sender = %v, want the server domain", msg.From)
	}
	for _, want := range []string{"urn:xmppd:intercept:0", `incoming='true'`, `processed='false'`, "o romeo"} {
		if !strings.Contains(msg.InnerXML, want) {
			t.Errorf("envelope %q does not contain %q", msg.InnerXML, want)
		}
	}
	if len(other.received()) != 0 {
		t.Errorf("non-matching subscriber received %d notifications", len(other.received()))
	}
}

func TestCopierSubscriptionCleanup(t *testing.T) {
	c, table := newCopier(t, intercept.CopierOptions{})

	m := component.NewManager(jid.MustParse("example.net"), table)
	remove := m.AddListener(c.ComponentListener())
	defer remove()

	auditAddr := jid.MustParse("audit.example.net")
	c.AddSubscriber(auditAddr, intercept.Subscription{Message: true, Incoming: true, Unprocessed: true})
	if got := c.Subscribers(); got != 1 {
		t.Fatalf("Subscribers() = %d, want 1", got)
	}

	ctx := context.Background()
	if err := m.Register(ctx, "audit", &routedComponent{}); err != nil {
		t.Fatalf("Register() = %v", err)
	}
	// The component never calls RemoveSubscriber; unregistering must drop
	// the subscription anyway.
	if err := m.Unregister(ctx, "audit"); err != nil {
		t.Fatalf("Unregister() = %v", err)
	}
	if got := c.Subscribers(); got != 0 {
		t.Errorf("Subscribers() = %d after unregister, want 0", got)
	}
}

// routedComponent is the minimal component used to exercise registry events.
type routedComponent struct{}

func (routedComponent) Initialize(jid.JID, *component.Manager) error        { return nil }
func (routedComponent) Start() error                                        { return nil }
func (routedComponent) ProcessStanza(context.Context, stanza.Stanza) error  { return nil }
func (routedComponent) Shutdown() error                                     { return nil }
