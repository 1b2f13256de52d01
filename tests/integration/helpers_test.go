//go:build integration

package integration

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "log"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-rachis/pkg/bootstrap"
    "github.com/amirimatin/go-rachis/pkg/cluster"
    "github.com/amirimatin/go-rachis/pkg/state/kv"
    "github.com/amirimatin/go-rachis/pkg/transport"
)

// node is one bootstrapped process-local node on fixed loopback ports.
type node struct {
    *cluster.Cluster
    tag  string
    mgmt string
    kv   *kv.Store
}

// ports are laid out per test: base+i for consensus, base+100+i for gossip
// and base+200+i for management.
func startNode(t *testing.T, ctx context.Context, base, i int, mods ...func(*bootstrap.Config)) *node {
    t.Helper()
    store := kv.New()
    cfg := bootstrap.Config{
        Tag:             fmt.Sprintf("n%d", i),
        Bind:            fmt.Sprintf("127.0.0.1:%d", base+i),
        MemBind:         fmt.Sprintf("127.0.0.1:%d", base+100+i),
        MgmtAddr:        fmt.Sprintf("127.0.0.1:%d", base+200+i),
        Seeds:           []string{fmt.Sprintf("127.0.0.1:%d", base+101)},
        DataDir:         t.TempDir(),
        AutoJoin:        true,
        ElectionTimeout: bootstrap.Duration{Duration: 300 * time.Millisecond},
        Logger:          log.New(io.Discard, "", 0),
        StateMachine:    store,
    }
    if i == 1 { cfg.Bootstrap = true }
    for _, m := range mods { m(&cfg) }
    cl, err := bootstrap.Run(ctx, cfg)
    require.NoError(t, err)
    t.Cleanup(func() { _ = cl.Close() })
    return &node{Cluster: cl, tag: cfg.Tag, mgmt: cfg.MgmtAddr, kv: store}
}

// startThree founds n1 and lets n2 and n3 join through gossip auto-join.
func startThree(t *testing.T, ctx context.Context, base int, mods ...func(*bootstrap.Config)) []*node {
    t.Helper()
    nodes := []*node{startNode(t, ctx, base, 1, mods...)}
    for i := 2; i <= 3; i++ { nodes = append(nodes, startNode(t, ctx, base, i, mods...)) }
    for _, n := range nodes {
        require.Eventually(t, func() bool {
            st, err := n.Status(ctx)
            return err == nil && st.Healthy && len(st.Node.Topology.Members) == 3
        }, 20*time.Second, 100*time.Millisecond, "node %s never saw three members", n.tag)
    }
    return nodes
}

type remoteStatus struct {
    Healthy    bool   `json:"healthy"`
    LeaderTag  string `json:"leaderTag"`
    LeaderAddr string `json:"leaderAddr"`
    Node       struct {
        Role string `json:"role"`
        Term uint64 `json:"term"`
    } `json:"node"`
}

func fetchStatus(ctx context.Context, cli transport.RPCClient, addr string) (remoteStatus, error) {
    var s remoteStatus
    b, err := cli.GetStatus(ctx, addr)
    if err != nil { return s, err }
    err = json.Unmarshal(b, &s)
    return s, err
}

func put(ctx context.Context, n *node, key, value string) (kv.Result, error) {
    var res kv.Result
    b, err := json.Marshal(kv.Op{Key: key, Value: value})
    if err != nil { return res, err }
    out, err := n.Execute(ctx, kv.OpPut, b)
    if err != nil { return res, err }
    err = json.Unmarshal(out, &res)
    return res, err
}

func leaderOf(t *testing.T, ctx context.Context, nodes []*node) *node {
    t.Helper()
    var leader *node
    require.Eventually(t, func() bool {
        for _, n := range nodes {
            st, err := n.Status(ctx)
            if err == nil && st.Node.Role.String() == "leader" {
                leader = n
                return true
            }
        }
        return false
    }, 15*time.Second, 50*time.Millisecond)
    return leader
}
