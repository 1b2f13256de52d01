package cluster

import (
    "context"
    "encoding/json"
    "io"
    "log"
    "sync"
    "testing"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/consensus/rachis"
    "github.com/amirimatin/go-rachis/pkg/discovery/static"
    "github.com/amirimatin/go-rachis/pkg/membership"
    "github.com/amirimatin/go-rachis/pkg/state/kv"
    "github.com/amirimatin/go-rachis/pkg/transport"
    "github.com/amirimatin/go-rachis/pkg/transport/httpjson"
    "github.com/amirimatin/go-rachis/pkg/transport/memnet"
    "github.com/amirimatin/go-rachis/pkg/waiter"
)

// gossip is a shared in-process view standing in for memberlist.
type gossip struct {
    mu      sync.Mutex
    members map[string]membership.MemberInfo
}

func newGossip() *gossip { return &gossip{members: map[string]membership.MemberInfo{}} }

func (g *gossip) set(mi membership.MemberInfo) {
    g.mu.Lock()
    g.members[mi.Tag] = mi
    g.mu.Unlock()
}

func (g *gossip) drop(tag string) {
    g.mu.Lock()
    delete(g.members, tag)
    g.mu.Unlock()
}

type fakeMembership struct {
    g    *gossip
    tag  string
    evts chan membership.Event
}

func (f *fakeMembership) Start(context.Context) error { return nil }
func (f *fakeMembership) Join([]string) error         { return nil }
func (f *fakeMembership) Local() membership.MemberInfo {
    mi, _ := f.Lookup(f.tag)
    return mi
}

func (f *fakeMembership) Members() []membership.MemberInfo {
    f.g.mu.Lock()
    defer f.g.mu.Unlock()
    out := make([]membership.MemberInfo, 0, len(f.g.members))
    for _, mi := range f.g.members { out = append(out, mi) }
    return out
}

func (f *fakeMembership) Lookup(tag string) (membership.MemberInfo, bool) {
    f.g.mu.Lock()
    defer f.g.mu.Unlock()
    mi, ok := f.g.members[tag]
    return mi, ok
}

func (f *fakeMembership) Events() <-chan membership.Event { return f.evts }
func (f *fakeMembership) Leave() error                    { return nil }
func (f *fakeMembership) Stop() error                     { return nil }

type testNode struct {
    *Cluster
    node *rachis.Node
    kv   *kv.Store
    mem  *fakeMembership
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestNode(t *testing.T, nw *memnet.Network, g *gossip, tag string, mods ...func(*Options)) *testNode {
    t.Helper()
    tr, err := nw.Listen(tag)
    require.NoError(t, err)
    store, w := kv.New(), waiter.New()
    n, err := rachis.New(rachis.Options{
        Tag:             tag,
        Transport:       tr,
        StateMachine:    store,
        Waiters:         w,
        ElectionTimeout: 150 * time.Millisecond,
        Logger:          quiet(),
    })
    require.NoError(t, err)
    mem := &fakeMembership{g: g, tag: tag, evts: make(chan membership.Event, 16)}
    opts := Options{
        Consensus:    n,
        URL:          n.URL(),
        Waiters:      w,
        Membership:   mem,
        Discovery:    static.New(tag),
        RPCServer:    httpjson.NewServer("127.0.0.1:0", quiet()),
        RPCClient:    httpjson.NewClient(2 * time.Second),
        MaxRetries:   20,
        RetryBackoff: 20 * time.Millisecond,
        Logger:       quiet(),
    }
    for _, m := range mods { m(&opts) }
    c, err := New(opts)
    require.NoError(t, err)
    require.NoError(t, c.Start(context.Background()))
    t.Cleanup(func() { _ = c.Stop(context.Background()) })
    g.set(membership.MemberInfo{Tag: tag, Addr: tag, Meta: map[string]string{
        membership.MetaMgmt:   c.rpcS.Addr(),
        membership.MetaRachis: n.URL(),
    }})
    return &testNode{Cluster: c, node: n, kv: store, mem: mem}
}

func testCtx(t *testing.T) context.Context {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    t.Cleanup(cancel)
    return ctx
}

func bootstrapped(o *Options) { o.Bootstrap = true }

func put(ctx context.Context, c *testNode, key, value string) (kv.Result, error) {
    var res kv.Result
    b, err := json.Marshal(kv.Op{Key: key, Value: value})
    if err != nil { return res, err }
    out, err := c.Execute(ctx, kv.OpPut, b)
    if err != nil { return res, err }
    err = json.Unmarshal(out, &res)
    return res, err
}

func waitLeader(t *testing.T, nodes ...*testNode) *testNode {
    t.Helper()
    var leader *testNode
    require.Eventually(t, func() bool {
        for _, n := range nodes {
            if n.node.IsLeader() {
                leader = n
                return true
            }
        }
        return false
    }, 5*time.Second, 10*time.Millisecond)
    return leader
}

func waitVoters(t *testing.T, n *testNode, want int) {
    t.Helper()
    require.Eventually(t, func() bool {
        return len(n.node.Status().Topology.Members) == want
    }, 10*time.Second, 20*time.Millisecond)
}

// formCluster bootstraps the first node and has the others join through the
// management API.
func formCluster(t *testing.T, tags ...string) []*testNode {
    t.Helper()
    return formClusterOn(t, memnet.New(), newGossip(), tags...)
}

func formClusterOn(t *testing.T, nw *memnet.Network, g *gossip, tags ...string) []*testNode {
    t.Helper()
    nodes := []*testNode{newTestNode(t, nw, g, tags[0], bootstrapped)}
    waitLeader(t, nodes[0])
    for _, tag := range tags[1:] {
        n := newTestNode(t, nw, g, tag)
        require.NoError(t, n.Join(testCtx(t)))
        nodes = append(nodes, n)
    }
    waitVoters(t, nodes[0], len(tags))
    return nodes
}

func TestNewValidates(t *testing.T) {
    _, err := New(Options{})
    require.Error(t, err)
    _, err = New(Options{Consensus: &rachis.Node{}, Waiters: waiter.New(), Membership: &fakeMembership{}})
    require.Error(t, err)
}

func TestExecuteOnLeaderAndFollower(t *testing.T) {
    nodes := formCluster(t, "a", "b", "c")
    ctx := testCtx(t)
    leader := waitLeader(t, nodes...)

    res, err := put(ctx, leader, "k", "v1")
    require.NoError(t, err)
    require.True(t, res.Applied)
    require.Equal(t, uint64(1), res.Item.Version)

    for _, n := range nodes {
        if n == leader { continue }
        res, err = put(ctx, n, "k", "from-"+n.tag)
        require.NoError(t, err)
        require.Equal(t, "from-"+n.tag, res.Item.Value)
    }
    require.Eventually(t, func() bool {
        for _, n := range nodes {
            it, ok := n.kv.Get("k")
            if !ok || it.Version != 3 { return false }
        }
        return true
    }, 5*time.Second, 10*time.Millisecond)
    require.Zero(t, leader.waiters.Pending())
}

func TestExecuteSurvivesLeaderLoss(t *testing.T) {
    nodes := formCluster(t, "a", "b", "c")
    ctx := testCtx(t)
    leader := waitLeader(t, nodes...)
    var survivor *testNode
    for _, n := range nodes {
        if n != leader { survivor = n }
    }
    _, err := put(ctx, survivor, "before", "1")
    require.NoError(t, err)

    require.NoError(t, leader.Stop(ctx))
    leader.mem.g.drop(leader.tag)

    res, err := put(ctx, survivor, "after", "2")
    require.NoError(t, err)
    require.True(t, res.Applied)
    it, ok := survivor.kv.Get("after")
    require.True(t, ok)
    require.Equal(t, uint64(1), it.Version)
}

func TestExecuteRefusesInvalidCommand(t *testing.T) {
    nodes := formCluster(t, "a", "b", "c")
    ctx := testCtx(t)
    leader := waitLeader(t, nodes...)
    var follower *testNode
    for _, n := range nodes {
        if n != leader { follower = n }
    }
    _, err := follower.Execute(ctx, "bogus", []byte(`{"key":"k"}`))
    require.True(t, errors.Is(err, consensus.ErrInvalidOperation), "got %v", err)
    _, err = leader.Execute(ctx, kv.OpPut, []byte(`{"key":""}`))
    require.True(t, errors.Is(err, consensus.ErrInvalidOperation), "got %v", err)

    res, err := put(ctx, follower, "k", "v")
    require.NoError(t, err)
    require.True(t, res.Applied)
    for _, n := range nodes { require.Empty(t, n.node.Status().ApplyFailure, n.tag) }
}

func TestExecuteFromFollowerWhileLeaderIsCutOff(t *testing.T) {
    nw := memnet.New()
    nodes := formClusterOn(t, nw, newGossip(), "a", "b", "c")
    ctx := testCtx(t)
    leader := waitLeader(t, nodes...)
    var follower *testNode
    for _, n := range nodes {
        if n != leader { follower = n }
    }
    _, err := put(ctx, follower, "before", "1")
    require.NoError(t, err)

    // The management API still reaches the old leader, so the first
    // forward is accepted there and never commits.
    nw.Isolate(leader.tag)
    res, err := put(ctx, follower, "k", "v")
    require.NoError(t, err)
    require.True(t, res.Applied)
    require.Equal(t, uint64(1), res.Item.Version)

    nw.Heal()
    require.Eventually(t, func() bool {
        for _, n := range nodes {
            it, ok := n.kv.Get("k")
            if !ok || it.Version != 1 { return false }
        }
        return true
    }, 10*time.Second, 20*time.Millisecond)
    require.Zero(t, follower.waiters.Pending())
}

func TestSubmitOnFollowerIsRefused(t *testing.T) {
    nodes := formCluster(t, "a", "b")
    leader := waitLeader(t, nodes...)
    follower := nodes[0]
    if follower == leader { follower = nodes[1] }

    resp, err := follower.handleSubmit(testCtx(t), transport.SubmitRequest{Command: consensus.Command{Type: kv.OpPut, RequestID: "x"}})
    require.True(t, errors.Is(err, consensus.ErrNotLeading))
    require.Equal(t, leader.tag, resp.Leader)
}

func TestTopologyForwardingAndLeave(t *testing.T) {
    nodes := formCluster(t, "a", "b", "c")
    ctx := testCtx(t)
    leader := waitLeader(t, nodes...)
    var follower *testNode
    for _, n := range nodes {
        if n != leader { follower = n }
    }

    require.NoError(t, follower.ModifyTopology(ctx, transport.TopologyRequest{Action: transport.ActionAddWatcher, Tag: "w", URL: "w"}))
    require.Eventually(t, func() bool { return leader.node.Status().Topology.Contains("w") }, 5*time.Second, 10*time.Millisecond)

    err := follower.ModifyTopology(ctx, transport.TopologyRequest{Action: "bogus", Tag: "w"})
    require.True(t, errors.Is(err, consensus.ErrInvalidOperation))

    require.NoError(t, follower.Leave(ctx))
    require.Eventually(t, func() bool {
        return !leader.node.Status().Topology.Contains(follower.tag)
    }, 5*time.Second, 10*time.Millisecond)
}

func TestStatusReportsGossipGaps(t *testing.T) {
    nodes := formCluster(t, "a", "b")
    leader := waitLeader(t, nodes...)
    st, err := leader.Status(testCtx(t))
    require.NoError(t, err)
    require.True(t, st.Healthy)
    require.Equal(t, leader.tag, st.LeaderTag)
    require.Equal(t, leader.rpcS.Addr(), st.LeaderAddr)
    require.Len(t, st.Members, 2)
    require.Empty(t, st.Warnings)

    leader.mem.g.drop("b")
    if leader.tag == "b" { leader.mem.g.drop("a") }
    st, err = leader.Status(testCtx(t))
    require.NoError(t, err)
    require.NotEmpty(t, st.Warnings)

    b, err := leader.statusJSON(testCtx(t))
    require.NoError(t, err)
    var decoded ClusterStatus
    require.NoError(t, json.Unmarshal(b, &decoded))
    require.Equal(t, consensus.Leader, decoded.Node.Role)
}

func TestAutoJoinAddsGossipedNode(t *testing.T) {
    nw, g := memnet.New(), newGossip()
    a := newTestNode(t, nw, g, "a", bootstrapped, func(o *Options) { o.AutoJoin = true })
    waitLeader(t, a)
    events := a.Subscribe(testCtx(t))

    b := newTestNode(t, nw, g, "b")
    mi, ok := a.mem.Lookup("b")
    require.True(t, ok)
    a.mem.evts <- membership.Event{Type: membership.EventJoin, Member: mi, At: time.Now()}

    waitVoters(t, a, 2)
    require.Eventually(t, func() bool { return b.node.Status().Topology.IsVoter("b") }, 5*time.Second, 10*time.Millisecond)

    deadline := time.After(5 * time.Second)
    for {
        select {
        case e := <-events:
            if e.Type == EventPromotableAdded {
                require.Equal(t, "b", e.Member.Tag)
                return
            }
        case <-deadline:
            t.Fatal("no promotable_added event")
        }
    }
}

func TestLeaderChangeCallback(t *testing.T) {
    nw, g := memnet.New(), newGossip()
    seen := make(chan consensus.LeaderInfo, 4)
    a := newTestNode(t, nw, g, "a", bootstrapped, func(o *Options) {
        o.OnLeaderChange = func(li consensus.LeaderInfo) { seen <- li }
    })
    waitLeader(t, a)
    select {
    case li := <-seen:
        require.Equal(t, "a", li.Tag)
    case <-time.After(5 * time.Second):
        t.Fatal("no leader callback")
    }
}

func TestStopIsIdempotent(t *testing.T) {
    nw, g := memnet.New(), newGossip()
    a := newTestNode(t, nw, g, "a", bootstrapped)
    require.NoError(t, a.Stop(context.Background()))
    require.NoError(t, a.Stop(context.Background()))
}

func TestSubscribeFiltersByType(t *testing.T) {
    nw, g := memnet.New(), newGossip()
    a := newTestNode(t, nw, g, "a", bootstrapped)
    waitLeader(t, a)
    ctx := testCtx(t)
    events := a.Subscribe(ctx, EventTopologyChanged)

    _, err := put(ctx, a, "k", "v")
    require.NoError(t, err)
    require.NoError(t, a.ModifyTopology(ctx, transport.TopologyRequest{Action: transport.ActionAddWatcher, Tag: "w", URL: "w"}))

    select {
    case e := <-events:
        require.Equal(t, EventTopologyChanged, e.Type)
        require.True(t, e.Topology.Contains("w"))
    case <-time.After(5 * time.Second):
        t.Fatal("no topology_changed event")
    }
}
