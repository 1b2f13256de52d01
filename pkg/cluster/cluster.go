package cluster

import (
    "context"
    "encoding/json"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/internal/logutil"
    "github.com/amirimatin/go-rachis/pkg/membership"
    obsmetrics "github.com/amirimatin/go-rachis/pkg/observability/metrics"
    "github.com/amirimatin/go-rachis/pkg/observability/tracing"
    "github.com/amirimatin/go-rachis/pkg/transport"
    "github.com/amirimatin/go-rachis/pkg/waiter"
)

const adoptInterval = 2 * time.Second

// Facade exposes the high-level API for embedding applications.
type Facade interface {
    Start(ctx context.Context) error
    Execute(ctx context.Context, typ string, payload []byte) ([]byte, error)
    Join(ctx context.Context) error
    Leave(ctx context.Context) error
    Status(ctx context.Context) (*ClusterStatus, error)
    Subscribe(ctx context.Context, types ...EventType) <-chan Event
    Stop(ctx context.Context) error
}

var _ Facade = (*Cluster)(nil)

// Cluster wires the consensus engine to the command waiter, gossip and the
// management RPC. It turns the asynchronous replicated log into synchronous
// request/response calls from any node.
type Cluster struct {
    opts Options
    tag  string
    mu   sync.Mutex
    run  struct {
        started bool
        closed  bool
    }
    cons    consensus.Consensus
    waiters *waiter.Registry
    mem     membership.Membership
    rpcS    transport.RPCServer
    rpcC    transport.RPCClient
    eb      eventBus
    // removed holds tags taken out of the topology that gossip still
    // reports; AutoJoin skips them until they leave gossip.
    removedMu sync.Mutex
    removed   map[string]bool
    cancel  context.CancelFunc
    wg      sync.WaitGroup
}

// New constructs a new Cluster instance from validated options. It performs no
// network activity; call Start to launch the node.
func New(opts Options) (*Cluster, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    opts.setDefaults()
    return &Cluster{
        opts:    opts,
        tag:     opts.Consensus.Tag(),
        cons:    opts.Consensus,
        waiters: opts.Waiters,
        mem:     opts.Membership,
        rpcS:    opts.RPCServer,
        rpcC:    opts.RPCClient,
        removed: map[string]bool{},
    }, nil
}

func (c *Cluster) infof(f string, args ...any) { logutil.Infof(c.opts.Logger, "[cluster %s] "+f, append([]any{c.tag}, args...)...) }
func (c *Cluster) warnf(f string, args ...any) { logutil.Warnf(c.opts.Logger, "[cluster %s] "+f, append([]any{c.tag}, args...)...) }

// Start launches membership, the consensus engine and the management
// endpoint, then begins the leader and membership event loops.
func (c *Cluster) Start(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.started { return nil }
    c.run.started = true
    obsmetrics.Register()
    lctx, cancel := context.WithCancel(ctx)
    c.cancel = cancel

    if c.mem != nil {
        if err := c.mem.Start(lctx); err != nil { return errors.Wrap(err, "cluster: start membership") }
        if seeds := c.opts.Discovery.Seeds(); len(seeds) > 0 {
            c.infof("joining membership seeds: %v", seeds)
            if err := c.mem.Join(seeds); err != nil { c.warnf("membership join: %v", err) }
        }
    }
    if err := c.cons.Start(lctx); err != nil { return errors.Wrap(err, "cluster: start consensus") }
    if c.opts.Bootstrap && c.cons.Status().Topology.Empty() {
        b, ok := c.cons.(consensus.Bootstrapper)
        if !ok { return errors.New("cluster: consensus engine cannot bootstrap") }
        if err := b.Bootstrap(lctx); err != nil { return err }
    }
    if ln, ok := c.cons.(consensus.LeaderNotifier); ok {
        c.wg.Add(1)
        go c.leaderLoop(lctx, ln.LeaderCh())
    }
    if c.mem != nil {
        c.wg.Add(1)
        go c.membershipEventsLoop(lctx)
    }
    if c.rpcS != nil {
        if err := c.rpcS.Start(lctx, c.Handlers()); err != nil { return errors.Wrap(err, "cluster: start management server") }
        c.infof("management endpoint listening at %s", c.rpcS.Addr())
    }
    return nil
}

// Handlers returns the management callbacks served by this node.
func (c *Cluster) Handlers() transport.Handlers {
    return transport.Handlers{
        Status: c.statusJSON,
        Log: func(_ context.Context, max int) (consensus.LogSummary, error) {
            return c.cons.LogSummary(max), nil
        },
        Submit:   c.handleSubmit,
        Topology: c.handleTopology,
    }
}

// Stop shuts down the management server, the engine and gossip. It is safe
// to call more than once.
func (c *Cluster) Stop(ctx context.Context) error {
    c.mu.Lock()
    if !c.run.started || c.run.closed {
        c.mu.Unlock()
        return nil
    }
    c.run.closed = true
    c.mu.Unlock()

    var errs error
    if c.rpcS != nil { errs = errors.CombineErrors(errs, c.rpcS.Stop(ctx)) }
    errs = errors.CombineErrors(errs, c.cons.Stop())
    if c.mem != nil {
        _ = c.mem.Leave()
        errs = errors.CombineErrors(errs, c.mem.Stop())
    }
    c.cancel()
    c.wg.Wait()
    return errs
}

// Close is a convenience alias for Stop with a background context.
func (c *Cluster) Close() error { return c.Stop(context.Background()) }

// Execute replicates a command and returns the state machine's result once
// this node has applied it. Leadership changes are retried with the same
// request id, so the command is applied at most once.
func (c *Cluster) Execute(ctx context.Context, typ string, payload []byte) (_ []byte, err error) {
    ctx, end := tracing.StartSpan(ctx, "cluster.execute")
    defer end()
    id, h := c.waiters.CreateTask()
    defer func() { h.Release() }()
    cmd := consensus.Command{Type: typ, Payload: payload, RequestID: id, Origin: c.tag}

    for attempt := 0; ; attempt++ {
        if attempt > 0 {
            // The previous handle may already be resolved with a failure;
            // a fresh one under the same id catches the retried apply.
            h.Release()
            nh, err := c.waiters.CreateTaskWithID(id)
            if err != nil { return nil, err }
            h = nh
            if res, ok := c.appliedResult(id); ok { return res, nil }
        }
        if _, err = c.SendToLeader(ctx, cmd); err == nil {
            var v any
            if v, err = h.Wait(ctx); err == nil {
                res, _ := v.([]byte)
                return res, nil
            }
        }
        if !retryable(err) || attempt >= c.opts.MaxRetries || ctx.Err() != nil { return nil, err }
        c.infof("retrying request %s after: %v", id, err)
        select {
        case <-ctx.Done():
            return nil, ctx.Err()
        case <-time.After(c.opts.RetryBackoff * time.Duration(attempt+1)):
        }
    }
}

func retryable(err error) bool {
    return errors.Is(err, consensus.ErrNotLeading) || errors.Is(err, consensus.ErrTransport)
}

func (c *Cluster) appliedResult(id string) ([]byte, bool) {
    if rl, ok := c.cons.(consensus.ResultLookup); ok { return rl.AppliedResult(id) }
    return nil, false
}

// SendToLeader appends cmd through the leader and returns its log index. On
// the leader it submits locally; elsewhere it forwards to the leader's
// management address learned from gossip and watches the returned index, so
// a command lost with its leader fails this node's waiter.
func (c *Cluster) SendToLeader(ctx context.Context, cmd consensus.Command) (uint64, error) {
    if c.cons.IsLeader() { return c.cons.Submit(ctx, cmd) }
    addr, err := c.leaderMgmtAddr()
    if err != nil { return 0, err }
    if c.rpcC == nil { return 0, ErrNoRPC }
    resp, err := c.rpcC.PostSubmit(ctx, addr, transport.SubmitRequest{Command: cmd})
    if err != nil { return 0, err }
    if ft, ok := c.cons.(consensus.ForwardTracker); ok && cmd.Origin == c.tag && cmd.RequestID != "" {
        ft.TrackForwarded(cmd.RequestID, resp.Index)
    }
    return resp.Index, nil
}

// leaderMgmtAddr resolves the current leader's management address.
func (c *Cluster) leaderMgmtAddr() (string, error) {
    tag, _, ok := c.cons.Leader()
    if !ok { return "", errors.Mark(ErrNoLeader, consensus.ErrNotLeading) }
    if c.mem != nil {
        if mi, ok := c.mem.Lookup(tag); ok && mi.MgmtAddr() != "" { return mi.MgmtAddr(), nil }
    }
    return "", errors.Mark(errors.Wrapf(ErrNoLeader, "leader %s has no gossiped management address", tag), consensus.ErrNotLeading)
}

func (c *Cluster) handleSubmit(ctx context.Context, req transport.SubmitRequest) (transport.SubmitResponse, error) {
    if !c.cons.IsLeader() {
        leader, _, _ := c.cons.Leader()
        return transport.SubmitResponse{Leader: leader}, consensus.NotLeadingf("%s is not the leader", c.tag)
    }
    idx, err := c.cons.Submit(ctx, req.Command)
    if err != nil { return transport.SubmitResponse{}, err }
    return transport.SubmitResponse{Index: idx}, nil
}

// ModifyTopology applies req on the leader, forwarding when this node is not
// leading. It returns once the change is committed.
func (c *Cluster) ModifyTopology(ctx context.Context, req transport.TopologyRequest) error {
    if c.cons.IsLeader() { return c.applyTopology(ctx, req) }
    if c.rpcC == nil { return ErrNoRPC }
    targets := c.forwardTargets()
    if len(targets) == 0 { return errors.Mark(ErrNoLeader, consensus.ErrNotLeading) }
    var err error
    for _, addr := range targets {
        if _, err = c.rpcC.PostTopology(ctx, addr, req); !retryable(err) { return err }
    }
    return err
}

// forwardTargets returns the leader's management address, or every gossiped
// peer when this node does not know the leader yet (a node that has not
// joined a topology never hears from one).
func (c *Cluster) forwardTargets() []string {
    if addr, err := c.leaderMgmtAddr(); err == nil { return []string{addr} }
    if c.mem == nil { return nil }
    var out []string
    for _, m := range c.mem.Members() {
        if m.Tag != c.tag && m.MgmtAddr() != "" { out = append(out, m.MgmtAddr()) }
    }
    sort.Strings(out)
    return out
}

func (c *Cluster) handleTopology(ctx context.Context, req transport.TopologyRequest) (transport.TopologyResponse, error) {
    if err := c.applyTopology(ctx, req); err != nil {
        leader, _, _ := c.cons.Leader()
        return transport.TopologyResponse{Leader: leader}, err
    }
    return transport.TopologyResponse{Accepted: true}, nil
}

func (c *Cluster) applyTopology(ctx context.Context, req transport.TopologyRequest) error {
    rc, ok := c.cons.(consensus.Reconfigurer)
    if !ok { return consensus.InvalidOperationf("consensus engine does not support topology changes") }
    ctx, end := tracing.StartSpan(ctx, "cluster.topology."+req.Action)
    defer end()
    if req.Action != transport.ActionRemove { c.setRemoved(req.Tag, false) }
    var err error
    switch req.Action {
    case transport.ActionAddMember:
        err = rc.AddMember(ctx, req.Tag, req.URL)
    case transport.ActionAddPromotable:
        err = rc.AddPromotable(ctx, req.Tag, req.URL)
    case transport.ActionAddWatcher:
        err = rc.AddWatcher(ctx, req.Tag, req.URL)
    case transport.ActionRemove:
        if err = rc.RemoveFromTopology(ctx, req.Tag); err == nil { c.setRemoved(req.Tag, true) }
    default:
        return consensus.InvalidOperationf("unknown topology action %q", req.Action)
    }
    if err != nil { return err }
    st := c.cons.Status()
    c.eb.publish(Event{Type: EventTopologyChanged, Topology: &st.Topology, Term: st.Term})
    return nil
}

// Join asks the leader to add this node as a promotable; the leader promotes
// it to a voting member once it has caught up.
func (c *Cluster) Join(ctx context.Context) error {
    if c.cons.Status().Topology.Contains(c.tag) { return nil }
    return c.ModifyTopology(ctx, transport.TopologyRequest{Action: transport.ActionAddPromotable, Tag: c.tag, URL: c.opts.URL})
}

// Leave removes this node from the topology and then leaves gossip.
func (c *Cluster) Leave(ctx context.Context) error {
    if err := c.ModifyTopology(ctx, transport.TopologyRequest{Action: transport.ActionRemove, Tag: c.tag}); err != nil { return err }
    if c.mem != nil { return c.mem.Leave() }
    return nil
}

func (c *Cluster) setRemoved(tag string, v bool) {
    c.removedMu.Lock()
    defer c.removedMu.Unlock()
    if v { c.removed[tag] = true } else { delete(c.removed, tag) }
}

func (c *Cluster) isRemoved(tag string) bool {
    c.removedMu.Lock()
    defer c.removedMu.Unlock()
    return c.removed[tag]
}

// Status returns the local consensus status together with the gossip view.
func (c *Cluster) Status(ctx context.Context) (*ClusterStatus, error) {
    st := c.cons.Status()
    s := &ClusterStatus{Node: st, LeaderTag: st.LeaderTag}
    s.Healthy = st.LeaderTag != "" && st.ApplyFailure == ""
    if st.ApplyFailure != "" { s.Warnings = append(s.Warnings, "applier halted: "+st.ApplyFailure) }
    if st.LeaderTag == "" { s.Warnings = append(s.Warnings, "no known leader") }
    if c.mem != nil {
        s.Members = c.mem.Members()
        sort.Slice(s.Members, func(i, j int) bool { return s.Members[i].Tag < s.Members[j].Tag })
        seen := make(map[string]bool, len(s.Members))
        for _, m := range s.Members { seen[m.Tag] = true }
        for _, tag := range st.Topology.AllNodes("") {
            if !seen[tag] { s.Warnings = append(s.Warnings, fmt.Sprintf("%s is in the topology but not in gossip", tag)) }
        }
        if hr, ok := c.mem.(membership.HealthReporter); ok && hr.HealthScore() > 0 {
            s.Warnings = append(s.Warnings, fmt.Sprintf("gossip health score is %d", hr.HealthScore()))
        }
    }
    if st.LeaderTag != "" {
        if addr, err := c.leaderMgmtAddr(); err == nil {
            s.LeaderAddr = addr
        } else if st.LeaderTag == c.tag && c.rpcS != nil {
            s.LeaderAddr = c.rpcS.Addr()
        }
    }
    return s, nil
}

func (c *Cluster) statusJSON(ctx context.Context) ([]byte, error) {
    s, err := c.Status(ctx)
    if err != nil { return nil, err }
    return json.Marshal(s)
}

func (c *Cluster) leaderLoop(ctx context.Context, ch <-chan consensus.LeaderInfo) {
    defer c.wg.Done()
    for {
        select {
        case <-ctx.Done():
            return
        case li, ok := <-ch:
            if !ok { return }
            c.infof("leader is %s (term %d)", li.Tag, li.Term)
            liCopy := li
            c.eb.publish(Event{Type: EventLeaderChanged, At: time.Now(), Leader: &liCopy, Term: li.Term})
            if c.opts.OnLeaderChange != nil { c.opts.OnLeaderChange(liCopy) }
            if li.Tag == c.tag && c.opts.AutoJoin { c.adoptGossipedNodes(ctx) }
        }
    }
}

// membershipEventsLoop republishes gossip events and, on the leader with
// AutoJoin, adds newly seen nodes to the topology. Gossip leaves do not
// remove nodes: a failure detector cannot tell a crash from a partition.
func (c *Cluster) membershipEventsLoop(ctx context.Context) {
    defer c.wg.Done()
    evts := c.mem.Events()
    // Adoption can fail transiently (another topology change pending, a
    // leadership change), so the leader re-checks gossip periodically.
    tick := time.NewTicker(adoptInterval)
    defer tick.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-tick.C:
            if c.opts.AutoJoin && c.cons.IsLeader() { c.adoptGossipedNodes(ctx) }
        case e, ok := <-evts:
            if !ok { return }
            m := e.Member
            var typ EventType
            switch e.Type {
            case membership.EventJoin:
                typ = EventMemberJoin
            case membership.EventLeave:
                typ = EventMemberLeave
            default:
                typ = EventMemberUpdate
            }
            if e.Type == membership.EventLeave { c.setRemoved(m.Tag, false) }
            c.eb.publish(Event{Type: typ, At: e.At, Member: &m, Term: c.cons.Term()})
            if e.Type != membership.EventLeave && c.opts.AutoJoin && c.cons.IsLeader() {
                c.adoptMember(ctx, m)
            }
        }
    }
}

func (c *Cluster) adoptGossipedNodes(ctx context.Context) {
    if c.mem == nil { return }
    for _, m := range c.mem.Members() { c.adoptMember(ctx, m) }
}

func (c *Cluster) adoptMember(ctx context.Context, m membership.MemberInfo) {
    url := m.RachisURL()
    if m.Tag == c.tag || url == "" || c.isRemoved(m.Tag) || c.cons.Status().Topology.Contains(m.Tag) { return }
    rc, ok := c.cons.(consensus.Reconfigurer)
    if !ok { return }
    tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
    defer cancel()
    if err := rc.AddPromotable(tctx, m.Tag, url); err != nil {
        c.warnf("adding %s as promotable: %v", m.Tag, err)
        return
    }
    c.infof("added %s (%s) as promotable", m.Tag, url)
    mc := m
    c.eb.publish(Event{Type: EventPromotableAdded, At: time.Now(), Member: &mc, Term: c.cons.Term()})
}
