package memberlist

import (
    "context"
    "io"
    "log"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    base "github.com/amirimatin/go-rachis/pkg/membership"
)

func startNode(t *testing.T, ctx context.Context, tag string) (*impl, string) {
    t.Helper()
    m, err := New(Options{
        Tag:           tag,
        Bind:          "127.0.0.1:0",
        Meta:          map[string]string{base.MetaMgmt: tag + ":mgmt", base.MetaRachis: tag + ":rachis"},
        Logger:        log.New(io.Discard, "", 0),
        ProbeInterval: 100 * time.Millisecond,
        SuspicionMult: 2,
    })
    require.NoError(t, err)
    require.NoError(t, m.Start(ctx))
    t.Cleanup(func() { _ = m.Stop() })
    la := m.Local().Addr
    require.NotEmpty(t, la)
    return m.(*impl), la
}

func awaitMembers(t *testing.T, m base.Membership, want int) {
    t.Helper()
    require.Eventually(t, func() bool { return len(m.Members()) == want }, 5*time.Second, 50*time.Millisecond)
}

func TestNewValidates(t *testing.T) {
    _, err := New(Options{Bind: "127.0.0.1:0"})
    require.Error(t, err)
    _, err = New(Options{Tag: "a"})
    require.Error(t, err)
    m, err := New(Options{Tag: "a", Bind: "127.0.0.1:x"})
    require.NoError(t, err)
    require.Error(t, m.Start(context.Background()))
}

func TestStartLocal(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    m, _ := startNode(t, ctx, "t1")

    local := m.Local()
    require.Equal(t, "t1", local.Tag)
    require.Equal(t, "t1:mgmt", local.MgmtAddr())
    require.Equal(t, "t1:rachis", local.RachisURL())

    var hr base.HealthReporter = m
    require.GreaterOrEqual(t, hr.HealthScore(), 0)
}

func TestMultiNodeJoinLeave(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()

    n1, addr1 := startNode(t, ctx, "n1")
    n2, _ := startNode(t, ctx, "n2")
    require.NoError(t, n2.Join([]string{addr1}))
    n3, _ := startNode(t, ctx, "n3")
    require.NoError(t, n3.Join([]string{addr1}))

    awaitMembers(t, n1, 3)
    awaitMembers(t, n2, 3)
    awaitMembers(t, n3, 3)

    mi, ok := n1.Lookup("n3")
    require.True(t, ok)
    require.Equal(t, "n3:mgmt", mi.MgmtAddr())

    require.NoError(t, n2.Leave())
    require.NoError(t, n2.Stop())
    awaitMembers(t, n1, 2)
    awaitMembers(t, n3, 2)
    _, ok = n1.Lookup("n2")
    require.False(t, ok)

    // n1 saw n2 join and later leave.
    var joined, left bool
    timeout := time.After(5 * time.Second)
    for !(joined && left) {
        select {
        case e := <-n1.Events():
            if e.Member.Tag != "n2" { continue }
            joined = joined || e.Type == base.EventJoin
            left = left || e.Type == base.EventLeave
        case <-timeout:
            t.Fatalf("events for n2: joined=%v left=%v", joined, left)
        }
    }
}
