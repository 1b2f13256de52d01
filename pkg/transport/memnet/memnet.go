// Package memnet is an in-process transport for multi-node tests. Streams
// are synchronous pipes; links between addresses can be cut and healed.
package memnet

import (
    "context"
    "net"
    "sync"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-rachis/pkg/transport"
)

// ErrClosed is returned by Accept and Dial once the transport is closed.
var ErrClosed = errors.New("memnet: transport closed")

type link struct{ a, b string }

func linkOf(a, b string) link {
    if a > b { a, b = b, a }
    return link{a, b}
}

// Network connects the transports created from it.
type Network struct {
    mu        sync.Mutex
    listeners map[string]*Transport
    cut       map[link]bool
    conns     map[*conn]link
}

// New returns an empty network.
func New() *Network {
    return &Network{
        listeners: make(map[string]*Transport),
        cut:       make(map[link]bool),
        conns:     make(map[*conn]link),
    }
}

// Listen registers a transport at addr.
func (nw *Network) Listen(addr string) (*Transport, error) {
    nw.mu.Lock()
    defer nw.mu.Unlock()
    if _, ok := nw.listeners[addr]; ok { return nil, errors.Newf("memnet: %s already in use", addr) }
    t := &Transport{addr: addr, nw: nw, backlog: make(chan net.Conn), done: make(chan struct{})}
    nw.listeners[addr] = t
    return t, nil
}

// Partition cuts the links between a and b and closes their open streams.
func (nw *Network) Partition(a, b string) {
    nw.mu.Lock()
    defer nw.mu.Unlock()
    l := linkOf(a, b)
    nw.cut[l] = true
    for c, cl := range nw.conns {
        if cl == l {
            _ = c.Conn.Close()
            delete(nw.conns, c)
        }
    }
}

// Isolate cuts addr off from every other registered address.
func (nw *Network) Isolate(addr string) {
    nw.mu.Lock()
    peers := make([]string, 0, len(nw.listeners))
    for a := range nw.listeners {
        if a != addr { peers = append(peers, a) }
    }
    nw.mu.Unlock()
    for _, p := range peers { nw.Partition(addr, p) }
}

// Heal restores every link.
func (nw *Network) Heal() {
    nw.mu.Lock()
    nw.cut = make(map[link]bool)
    nw.mu.Unlock()
}

func (nw *Network) dial(ctx context.Context, from, to string) (net.Conn, error) {
    nw.mu.Lock()
    if nw.cut[linkOf(from, to)] {
        nw.mu.Unlock()
        return nil, errors.Newf("memnet: %s is unreachable from %s", to, from)
    }
    t, ok := nw.listeners[to]
    if !ok {
        nw.mu.Unlock()
        return nil, errors.Newf("memnet: connection refused by %s", to)
    }
    client, server := net.Pipe()
    l := linkOf(from, to)
    cc := &conn{Conn: client, nw: nw}
    sc := &conn{Conn: server, nw: nw}
    nw.conns[cc], nw.conns[sc] = l, l
    nw.mu.Unlock()

    select {
    case t.backlog <- sc:
        return cc, nil
    case <-t.done:
    case <-ctx.Done():
    }
    _ = cc.Close()
    _ = sc.Close()
    if ctx.Err() != nil { return nil, errors.Wrapf(ctx.Err(), "memnet: dial %s", to) }
    return nil, errors.Newf("memnet: connection refused by %s", to)
}

func (nw *Network) closeAddr(addr string) {
    nw.mu.Lock()
    defer nw.mu.Unlock()
    delete(nw.listeners, addr)
    for c, l := range nw.conns {
        if l.a == addr || l.b == addr {
            _ = c.Conn.Close()
            delete(nw.conns, c)
        }
    }
}

type conn struct {
    net.Conn
    nw *Network
}

func (c *conn) Close() error {
    c.nw.mu.Lock()
    delete(c.nw.conns, c)
    c.nw.mu.Unlock()
    return c.Conn.Close()
}

// Transport is one address on a Network.
type Transport struct {
    addr    string
    nw      *Network
    backlog chan net.Conn
    done    chan struct{}
    once    sync.Once
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Addr() string { return t.addr }

// Dial opens a stream to addr.
func (t *Transport) Dial(ctx context.Context, addr string) (net.Conn, error) {
    select {
    case <-t.done:
        return nil, ErrClosed
    default:
    }
    return t.nw.dial(ctx, t.addr, addr)
}

// Accept waits for the next inbound stream.
func (t *Transport) Accept() (net.Conn, error) {
    select {
    case c := <-t.backlog:
        return c, nil
    case <-t.done:
        return nil, ErrClosed
    }
}

// Close unregisters the address and closes all of its streams.
func (t *Transport) Close() error {
    t.once.Do(func() {
        close(t.done)
        t.nw.closeAddr(t.addr)
    })
    return nil
}
