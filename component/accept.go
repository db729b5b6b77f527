// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package component

import (
	"context"
	/* #nosec */
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mellium.im/xmppd/internal/idgen"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
)

// Handshake errors returned by Acceptor.Accept.
var (
	ErrHandshakeRejected = errors.New("component: handshake secret mismatch")
	ErrBlocked           = errors.New("component: subdomain is blocked for external components")
	ErrThrottled         = errors.New("component: too many handshake attempts")
)

// defaultHandshakeTimeout bounds the time an external connection may take to
// complete the stream open and handshake exchange.
const defaultHandshakeTimeout = 30 * time.Second

// Acceptor performs the receiving side of the XEP-0114 component protocol
// handshake and hands successfully authenticated connections to the
// registry.
type Acceptor struct {
	// Manager is the registry that authenticated components are bound to.
	Manager *Manager

	// Config supplies per-subdomain handshake policy. When no explicit
	// entry exists the subdomain is treated as allowed with the default
	// secret.
	Config ConfigStore

	// DefaultSecret is the handshake secret used for subdomains without a
	// configured per-subdomain secret.
	DefaultSecret string

	// Deliver receives stanzas read from component connections. If it is
	// nil stanzas are routed directly through the registry's routing
	// table.
	Deliver router.Handler

	// Limiter throttles handshake attempts across all connections. If it
	// is nil attempts are not throttled.
	Limiter *rate.Limiter

	// Timeout bounds a single handshake exchange. Zero means the default.
	Timeout time.Duration

	Logger *slog.Logger
}

func (a *Acceptor) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// Accept negotiates a component stream on conn, verifies the handshake
// digest, and registers the resulting component. On any failure the
// connection is closed.
func (a *Acceptor) Accept(ctx context.Context, conn net.Conn) (*ExternalComponent, error) {
	if a.Limiter != nil && !a.Limiter.Allow() {
		conn.Close()
		return nil, ErrThrottled
	}

	timeout := a.Timeout
	if timeout == 0 {
		timeout = defaultHandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}

	comp, err := a.negotiate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := a.Manager.Register(ctx, comp.subdomain, comp); err != nil {
		fmt.Fprint(conn, `<stream:error><conflict xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error></stream:stream>`)
		conn.Close()
		return nil, err
	}
	// The handshake is complete and the component is routable; clear the
	// negotiation deadline so the stream can idle.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		a.Manager.Unregister(ctx, comp.subdomain)
		return nil, err
	}
	return comp, nil
}

func (a *Acceptor) negotiate(ctx context.Context, conn net.Conn) (*ExternalComponent, error) {
	d := xml.NewDecoder(conn)
	start, err := readStreamOpen(d)
	if err != nil {
		return nil, err
	}
	if start.Name.Space != ns.Stream || start.Name.Local != "stream" {
		return nil, errors.New("component: expected stream:stream open tag")
	}

	var to string
	for _, attr := range start.Attr {
		switch {
		case attr.Name.Local == "to":
			to = attr.Value
		case attr.Name.Local == "xmlns" && attr.Value != NSAccept:
			return nil, fmt.Errorf("component: unexpected stream namespace %q", attr.Value)
		}
	}

	serverDomain := a.Manager.Domain().Domainpart()
	subdomain, ok := strings.CutSuffix(to, "."+serverDomain)
	if !ok || subdomain == "" {
		fmt.Fprint(conn, `<stream:error><host-unknown xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error></stream:stream>`)
		return nil, ErrBadSubdomain
	}
	addr, err := a.Manager.Address(subdomain)
	if err != nil {
		fmt.Fprint(conn, `<stream:error><host-unknown xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error></stream:stream>`)
		return nil, err
	}

	secret := a.DefaultSecret
	if a.Config != nil {
		cfg, found, err := a.Config.Configuration(ctx, subdomain)
		if err != nil {
			return nil, err
		}
		if found {
			if cfg.Permission == Blocked {
				fmt.Fprint(conn, `<stream:error><policy-violation xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error></stream:stream>`)
				return nil, ErrBlocked
			}
			secret = cfg.SecretOr(a.DefaultSecret)
		}
	}

	streamID := idgen.RandomID(idgen.IDLen)
	_, err = fmt.Fprintf(conn, `<stream:stream xmlns='`+NSAccept+`' xmlns:stream='`+ns.Stream+`' from='%s' id='%s'>`, addr, streamID)
	if err != nil {
		return nil, err
	}

	digest, err := readHandshake(d)
	if err != nil {
		return nil, err
	}

	/* #nosec */
	h := sha1.New()
	// hash.Write never returns an error per the documentation.
	/* #nosec */
	_, _ = h.Write([]byte(streamID))
	/* #nosec */
	_, _ = h.Write([]byte(secret))
	want := hex.EncodeToString(h.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(strings.ToLower(digest)), []byte(want)) != 1 {
		fmt.Fprint(conn, `<stream:error><not-authorized xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error></stream:stream>`)
		a.logger().Warn("component handshake rejected", "subdomain", subdomain, "remote", conn.RemoteAddr().String())
		return nil, ErrHandshakeRejected
	}
	if _, err = fmt.Fprint(conn, `<handshake/>`); err != nil {
		return nil, err
	}
	a.logger().Info("component handshake accepted", "subdomain", subdomain, "remote", conn.RemoteAddr().String())

	return &ExternalComponent{
		subdomain: subdomain,
		conn:      conn,
		dec:       d,
		deliver:   a.Deliver,
		logger:    a.logger(),
	}, nil
}

// readStreamOpen scans past any XML declaration and returns the first start
// element of the stream.
func readStreamOpen(d *xml.Decoder) (xml.StartElement, error) {
	foundProc := false
	for {
		tok, err := d.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		switch t := tok.(type) {
		case xml.ProcInst:
			if !foundProc {
				foundProc = true
				continue
			}
			return xml.StartElement{}, errors.New("component: received unexpected proc inst from component")
		case xml.CharData:
			if len(strings.TrimSpace(string(t))) > 0 {
				return xml.StartElement{}, errors.New("component: unexpected text before stream open")
			}
		case xml.StartElement:
			return t, nil
		default:
			return xml.StartElement{}, errors.New("component: received unexpected token from component")
		}
	}
}

func readHandshake(d *xml.Decoder) (string, error) {
	tok, err := d.Token()
	if err != nil {
		return "", err
	}
	start, ok := tok.(xml.StartElement)
	if !ok || start.Name.Local != "handshake" {
		return "", errors.New("component: expected handshake element")
	}
	var digest string
	if err := d.DecodeElement(&digest, &start); err != nil {
		return "", err
	}
	return strings.TrimSpace(digest), nil
}

// ExternalComponent is a component reached over an authenticated XEP-0114
// stream. Outbound stanzas are serialized onto the stream; inbound stanzas
// are decoded by a background read loop and handed to the acceptor's
// delivery handler.
type ExternalComponent struct {
	subdomain string
	conn      net.Conn
	dec       *xml.Decoder
	deliver   router.Handler
	logger    *slog.Logger

	addr    jid.JID
	manager *Manager

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

var _ Component = (*ExternalComponent)(nil)

// Subdomain returns the subdomain the component authenticated for.
func (c *ExternalComponent) Subdomain() string { return c.subdomain }

// Initialize records the routable address and registry handle assigned by
// the registry.
func (c *ExternalComponent) Initialize(addr jid.JID, m *Manager) error {
	c.addr = addr
	c.manager = m
	c.done = make(chan struct{})
	return nil
}

// Start launches the stream read loop.
func (c *ExternalComponent) Start() error {
	go c.readLoop()
	return nil
}

// ProcessStanza writes the stanza to the component stream.
func (c *ExternalComponent) ProcessStanza(ctx context.Context, st stanza.Stanza) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrNotBound
	default:
	}
	e := xml.NewEncoder(c.conn)
	if err := e.Encode(st); err != nil {
		return err
	}
	return e.Flush()
}

// Shutdown closes the component stream. It is safe to call more than once.
func (c *ExternalComponent) Shutdown() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		// Interrupt any in-flight write so the stream close cannot block
		// behind a stalled peer.
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.writeMu.Lock()
		fmt.Fprint(c.conn, `</stream:stream>`)
		err = c.conn.Close()
		c.writeMu.Unlock()
	})
	return err
}

func (c *ExternalComponent) readLoop() {
	defer func() {
		select {
		case <-c.done:
			// Shutdown initiated locally; the registry entry is already
			// being torn down.
		default:
			ctx, cancel := context.WithTimeout(context.Background(), defaultHandshakeTimeout)
			defer cancel()
			if err := c.manager.Unregister(ctx, c.subdomain); err != nil && !errors.Is(err, ErrNotBound) {
				c.logger.Warn("failed to unregister disconnected component", "subdomain", c.subdomain, "err", err)
			}
		}
	}()

	for {
		tok, err := c.dec.Token()
		if err != nil {
			if err != io.EOF && !isClosed(err) {
				c.logger.Debug("component stream read failed", "subdomain", c.subdomain, "err", err)
			}
			return
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		st, err := c.decodeStanza(start)
		if err != nil {
			c.logger.Debug("malformed stanza from component", "subdomain", c.subdomain, "err", err)
			return
		}
		if st == nil {
			continue
		}
		c.handle(st)
	}
}

func (c *ExternalComponent) decodeStanza(start xml.StartElement) (stanza.Stanza, error) {
	switch start.Name.Local {
	case "iq":
		var iq stanza.IQ
		if err := c.dec.DecodeElement(&iq, &start); err != nil {
			return nil, err
		}
		return iq, nil
	case "message":
		var msg stanza.Message
		if err := c.dec.DecodeElement(&msg, &start); err != nil {
			return nil, err
		}
		return msg, nil
	case "presence":
		var p stanza.Presence
		if err := c.dec.DecodeElement(&p, &start); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, c.dec.Skip()
	}
}

func (c *ExternalComponent) handle(st stanza.Stanza) {
	if iq, ok := st.(stanza.IQ); ok && c.manager.ConsumeInfoResult(iq) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultHandshakeTimeout)
	defer cancel()
	var err error
	if c.deliver != nil {
		err = c.deliver.HandleStanza(ctx, st)
	} else {
		err = c.manager.router.Route(ctx, st)
	}
	if err != nil {
		c.logger.Debug("failed to deliver stanza from component",
			"subdomain", c.subdomain, "to", st.Dest().String(), "err", err)
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
