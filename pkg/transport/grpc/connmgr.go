package grpc

import (
    "context"
    "sync"
    "time"

    "github.com/cockroachdb/errors"
    "google.golang.org/grpc"

    obsmetrics "github.com/amirimatin/go-rachis/pkg/observability/metrics"
)

const (
    minCooldown = 100 * time.Millisecond
    maxCooldown = 2 * time.Second
)

// ErrPeerCoolingDown is returned by Get while a target that recently failed
// to dial is in its cooldown window.
var ErrPeerCoolingDown = errors.New("grpc: peer cooling down after failed dial")

type dialFunc func(ctx context.Context, target string) (*grpc.ClientConn, error)

// ConnManager caches one management connection per peer address. Idle
// connections are closed after ttl. A failed dial puts the address into a
// cooldown that doubles on each failure, so forwarding loops skip dead peers
// quickly instead of blocking on every attempt.
type ConnManager struct {
    ttl  time.Duration
    dial dialFunc

    mu    sync.Mutex
    peers map[string]*peer

    stop     chan struct{}
    stopOnce sync.Once
}

type peer struct {
    cc       *grpc.ClientConn
    refs     int
    idleFrom time.Time

    failures  int
    downUntil time.Time
}

func NewConnManager(ttl time.Duration, dial dialFunc) *ConnManager {
    if ttl <= 0 { ttl = 30 * time.Second }
    m := &ConnManager{ttl: ttl, dial: dial, peers: map[string]*peer{}, stop: make(chan struct{})}
    go m.reap()
    return m
}

func (m *ConnManager) peerLocked(target string) *peer {
    p, ok := m.peers[target]
    if !ok {
        p = &peer{}
        m.peers[target] = p
    }
    return p
}

// Get returns a connection for target and a release func to be called when done.
func (m *ConnManager) Get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
    release := func() { m.release(target) }
    m.mu.Lock()
    p := m.peerLocked(target)
    if p.cc != nil {
        p.refs++
        cc := p.cc
        m.mu.Unlock()
        obsmetrics.GRPCConnReuse.Inc()
        return cc, release, nil
    }
    if wait := time.Until(p.downUntil); wait > 0 {
        m.mu.Unlock()
        return nil, func() {}, errors.Wrapf(ErrPeerCoolingDown, "%s for another %s", target, wait.Round(time.Millisecond))
    }
    m.mu.Unlock()

    cc, err := m.dial(ctx, target)

    m.mu.Lock()
    defer m.mu.Unlock()
    p = m.peerLocked(target)
    if err != nil {
        m.markDownLocked(p)
        return nil, func() {}, err
    }
    p.failures, p.downUntil = 0, time.Time{}
    if p.cc != nil {
        // Lost a dial race; keep the winner.
        _ = cc.Close()
        p.refs++
        obsmetrics.GRPCConnReuse.Inc()
        return p.cc, release, nil
    }
    p.cc, p.refs = cc, 1
    obsmetrics.GRPCConnDials.Inc()
    obsmetrics.GRPCConnActive.Inc()
    return cc, release, nil
}

func (m *ConnManager) markDownLocked(p *peer) {
    cd := minCooldown << p.failures
    if cd >= maxCooldown || cd <= 0 {
        cd = maxCooldown
    } else {
        p.failures++
    }
    p.downUntil = time.Now().Add(cd)
}

func (m *ConnManager) release(target string) {
    m.mu.Lock()
    defer m.mu.Unlock()
    p, ok := m.peers[target]
    if !ok { return }
    if p.refs > 0 { p.refs-- }
    if p.refs == 0 { p.idleFrom = time.Now() }
}

func (m *ConnManager) dropLocked(target string, p *peer) {
    if p.cc != nil {
        _ = p.cc.Close()
        obsmetrics.GRPCConnActive.Dec()
        p.cc = nil
    }
    if p.downUntil.IsZero() { delete(m.peers, target) }
}

// Evict closes the idle connection for target and starts its cooldown. It is
// called when a call on that connection reported the peer unavailable.
func (m *ConnManager) Evict(target string) {
    m.mu.Lock()
    defer m.mu.Unlock()
    p, ok := m.peers[target]
    if !ok || p.refs > 0 { return }
    obsmetrics.GRPCConnEvictions.Inc()
    m.markDownLocked(p)
    m.dropLocked(target, p)
}

// Close closes all cached connections and stops the reaper.
func (m *ConnManager) Close() {
    m.stopOnce.Do(func() { close(m.stop) })
    m.mu.Lock()
    defer m.mu.Unlock()
    for target, p := range m.peers {
        p.downUntil = time.Time{}
        m.dropLocked(target, p)
    }
}

func (m *ConnManager) reap() {
    ticker := time.NewTicker(m.ttl / 2)
    defer ticker.Stop()
    for {
        select {
        case <-m.stop:
            return
        case now := <-ticker.C:
            m.mu.Lock()
            for target, p := range m.peers {
                if p.cc != nil && p.refs == 0 && now.Sub(p.idleFrom) > m.ttl {
                    obsmetrics.GRPCConnEvictions.Inc()
                    m.dropLocked(target, p)
                } else if p.cc == nil && !p.downUntil.IsZero() && now.After(p.downUntil.Add(m.ttl)) {
                    delete(m.peers, target)
                }
            }
            m.mu.Unlock()
        }
    }
}
