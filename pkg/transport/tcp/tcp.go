// Package tcp is the production peer transport: plain TCP streams, optionally
// wrapped in mutual TLS.
package tcp

import (
    "context"
    "crypto/tls"
    "net"
    "sync"
    "time"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-rachis/pkg/transport"
)

// Options configures a Transport.
type Options struct {
    // Bind is the listen address, e.g. ":7300".
    Bind string
    // Advertise is the address peers dial. Defaults to the bound address.
    Advertise string
    // ServerTLS and ClientTLS enable TLS on accepted and dialed streams.
    ServerTLS *tls.Config
    ClientTLS *tls.Config
    // KeepAlive is the TCP keep-alive period; zero selects 15s.
    KeepAlive time.Duration
}

// Transport implements transport.Transport over TCP.
type Transport struct {
    ln        net.Listener
    advertise string
    dialer    net.Dialer
    clientTLS *tls.Config
    closeOnce sync.Once
}

var _ transport.Transport = (*Transport)(nil)

// Listen binds opts.Bind and returns a ready transport.
func Listen(opts Options) (*Transport, error) {
    if opts.Bind == "" { return nil, errors.New("tcp: bind address required") }
    if opts.KeepAlive == 0 { opts.KeepAlive = 15 * time.Second }
    lc := net.ListenConfig{KeepAlive: opts.KeepAlive}
    ln, err := lc.Listen(context.Background(), "tcp", opts.Bind)
    if err != nil { return nil, errors.Wrapf(err, "tcp: listen %s", opts.Bind) }
    if opts.ServerTLS != nil { ln = tls.NewListener(ln, opts.ServerTLS) }
    adv := opts.Advertise
    if adv == "" { adv = ln.Addr().String() }
    return &Transport{
        ln:        ln,
        advertise: adv,
        dialer:    net.Dialer{KeepAlive: opts.KeepAlive},
        clientTLS: opts.ClientTLS,
    }, nil
}

// Addr returns the advertised address.
func (t *Transport) Addr() string { return t.advertise }

// Dial opens a stream to addr, completing the TLS handshake when configured.
func (t *Transport) Dial(ctx context.Context, addr string) (net.Conn, error) {
    c, err := t.dialer.DialContext(ctx, "tcp", addr)
    if err != nil { return nil, err }
    if t.clientTLS == nil { return c, nil }
    cfg := t.clientTLS.Clone()
    if cfg.ServerName == "" {
        if host, _, err := net.SplitHostPort(addr); err == nil { cfg.ServerName = host }
    }
    tc := tls.Client(c, cfg)
    if err := tc.HandshakeContext(ctx); err != nil {
        _ = c.Close()
        return nil, errors.Wrapf(err, "tcp: tls handshake with %s", addr)
    }
    return tc, nil
}

// Accept waits for the next inbound stream.
func (t *Transport) Accept() (net.Conn, error) { return t.ln.Accept() }

// Close stops listening. Established streams are owned by their users.
func (t *Transport) Close() error {
    var err error
    t.closeOnce.Do(func() { err = t.ln.Close() })
    return err
}
