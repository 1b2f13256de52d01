// Package memberlist implements membership over HashiCorp memberlist. Each
// node gossips its tag as the memberlist name and its endpoints as JSON
// metadata.
package memberlist

import (
    "context"
    "encoding/json"
    "log"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/hashicorp/memberlist"

    "github.com/amirimatin/go-rachis/pkg/internal/logutil"
    base "github.com/amirimatin/go-rachis/pkg/membership"
)

// Options configures the memberlist-based membership implementation.
type Options struct {
    // Tag is the node's consensus tag; it is used as the memberlist name.
    Tag string

    // Bind is the gossip bind address in host:port form.
    Bind string

    // Advertise is the address peers use to reach this node. If empty,
    // memberlist derives it from Bind.
    Advertise string

    // Meta is gossiped with the node, see base.MetaMgmt and base.MetaRachis.
    Meta map[string]string

    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger

    // Tuning parameters (optional). Zero means use defaults.
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
}

// impl implements base.Membership using HashiCorp memberlist.
type impl struct {
    mu     sync.RWMutex
    opts   Options
    ml     *memberlist.Memberlist
    evts   chan base.Event
    closed bool
}

// New constructs a memberlist-backed membership.
func New(opts Options) (base.Membership, error) {
    if opts.Tag == "" { return nil, errors.New("memberlist: empty Tag") }
    if opts.Bind == "" { return nil, errors.New("memberlist: empty Bind address") }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &impl{opts: opts, evts: make(chan base.Event, 64)}, nil
}

func splitHostPort(addr string) (string, int, error) {
    host, p, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, errors.Wrapf(err, "memberlist: invalid address %q", addr) }
    port, err := strconv.Atoi(p)
    if err != nil || port < 0 || port > 65535 { return "", 0, errors.Newf("memberlist: invalid port in %q", addr) }
    return host, port, nil
}

// Start creates and launches the underlying memberlist instance.
func (m *impl) Start(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.ml != nil { return nil }
    if m.closed { return errors.New("memberlist: stopped") }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = m.opts.Tag
    cfg.Logger = m.opts.Logger
    host, port, err := splitHostPort(m.opts.Bind)
    if err != nil { return err }
    cfg.BindAddr, cfg.BindPort = host, port
    if m.opts.Advertise != "" {
        host, port, err := splitHostPort(m.opts.Advertise)
        if err != nil { return err }
        cfg.AdvertiseAddr, cfg.AdvertisePort = host, port
    }
    if m.opts.ProbeInterval > 0 { cfg.ProbeInterval = m.opts.ProbeInterval }
    if m.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = m.opts.ProbeTimeout }
    if m.opts.SuspicionMult > 0 { cfg.SuspicionMult = m.opts.SuspicionMult }

    meta, err := json.Marshal(m.opts.Meta)
    if err != nil { return errors.Wrap(err, "memberlist: encode meta") }
    if len(meta) > memberlist.MetaMaxSize {
        return errors.Newf("memberlist: meta is %d bytes, limit %d", len(meta), memberlist.MetaMaxSize)
    }
    cfg.Events = &eventDelegate{emit: m.emit}
    cfg.Delegate = &nodeDelegate{meta: meta}

    ml, err := memberlist.Create(cfg)
    if err != nil { return errors.Wrap(err, "memberlist: create") }
    m.ml = ml

    go func() {
        <-ctx.Done()
        _ = m.Stop()
    }()
    return nil
}

func (m *impl) Join(seeds []string) error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return errors.New("memberlist: not started") }
    if len(seeds) == 0 { return nil }
    n, err := ml.Join(seeds)
    if err != nil && n == 0 { return errors.Wrapf(err, "memberlist: join %v", seeds) }
    return nil
}

// memberInfo translates a memberlist node. Undecodable metadata is dropped.
func memberInfo(n *memberlist.Node) base.MemberInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    return base.MemberInfo{Tag: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

func (m *impl) Local() base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return base.MemberInfo{} }
    return memberInfo(m.ml.LocalNode())
}

func (m *impl) Members() []base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return nil }
    nodes := m.ml.Members()
    out := make([]base.MemberInfo, 0, len(nodes))
    for _, n := range nodes { out = append(out, memberInfo(n)) }
    return out
}

func (m *impl) Lookup(tag string) (base.MemberInfo, bool) {
    for _, mi := range m.Members() {
        if mi.Tag == tag { return mi, true }
    }
    return base.MemberInfo{}, false
}

func (m *impl) Events() <-chan base.Event { return m.evts }

// Leave broadcasts an intent to leave and waits up to a second for it to
// propagate.
func (m *impl) Leave() error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return nil }
    return ml.Leave(time.Second)
}

func (m *impl) Stop() error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed { return nil }
    m.closed = true
    var err error
    if m.ml != nil {
        err = m.ml.Shutdown()
        m.ml = nil
    }
    close(m.evts)
    return err
}

// HealthScore exposes memberlist's awareness score.
func (m *impl) HealthScore() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return -1 }
    return m.ml.GetHealthScore()
}

func (m *impl) emit(e base.Event) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.closed { return }
    select {
    case m.evts <- e:
    default:
        logutil.Warnf(m.opts.Logger, "memberlist: dropping %s event for %s: channel full", e.Type, e.Member.Tag)
    }
}

// eventDelegate adapts memberlist events to base.Event. Memberlist does not
// distinguish a graceful leave from a failure timeout.
type eventDelegate struct {
    emit func(e base.Event)
}

func (d *eventDelegate) notify(t base.EventType, n *memberlist.Node) {
    if n == nil { return }
    d.emit(base.Event{Type: t, Member: memberInfo(n), At: time.Now()})
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { d.notify(base.EventJoin, n) }
func (d *eventDelegate) NotifyLeave(n *memberlist.Node)  { d.notify(base.EventLeave, n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { d.notify(base.EventUpdate, n) }

// nodeDelegate gossips the static node metadata.
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    return nil
}

func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}
