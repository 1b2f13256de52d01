//go:build integration

package integration

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-rachis/pkg/transport"
    httpjson "github.com/amirimatin/go-rachis/pkg/transport/httpjson"
)

func TestThreeNodes_AutoJoinExecuteAndFailover(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
    defer cancel()
    nodes := startThree(t, ctx, 9300)

    // Writes from every node go through the leader and come back applied.
    for _, n := range nodes {
        res, err := put(ctx, n, "k", n.tag)
        require.NoError(t, err)
        require.Equal(t, n.tag, res.Item.Value)
    }

    leader := leaderOf(t, ctx, nodes)
    var rest []*node
    for _, n := range nodes {
        if n != leader { rest = append(rest, n) }
    }
    require.NoError(t, leader.Close())

    newLeader := leaderOf(t, ctx, rest)
    require.NotEqual(t, leader.tag, newLeader.tag)
    for _, n := range rest {
        res, err := put(ctx, n, "after", n.tag)
        require.NoError(t, err)
        require.True(t, res.Applied)
    }
    require.Eventually(t, func() bool {
        it, ok := rest[0].kv.Get("k")
        return ok && it.Version == 3
    }, 5*time.Second, 20*time.Millisecond)
}

func TestFollowerStatusPointsAtLeader(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
    defer cancel()
    nodes := startThree(t, ctx, 9400)
    leader := leaderOf(t, ctx, nodes)

    cli := httpjson.NewClient(3 * time.Second)
    for _, n := range nodes {
        s, err := fetchStatus(ctx, cli, n.mgmt)
        require.NoError(t, err)
        require.True(t, s.Healthy)
        require.Equal(t, leader.tag, s.LeaderTag)
        require.Equal(t, leader.mgmt, s.LeaderAddr)
    }

    // A submit sent to a follower is refused with the leader's tag.
    var follower *node
    for _, n := range nodes {
        if n != leader { follower = n }
    }
    resp, err := cli.PostSubmit(ctx, follower.mgmt, transport.SubmitRequest{})
    require.Error(t, err)
    require.Equal(t, leader.tag, resp.Leader)

    sum, err := cli.GetLog(ctx, leader.mgmt, 5)
    require.NoError(t, err)
    require.NotEmpty(t, sum.Entries)
}

func TestLeaveRemovesNode(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
    defer cancel()
    nodes := startThree(t, ctx, 9500)
    leader := leaderOf(t, ctx, nodes)
    var leaving *node
    for _, n := range nodes {
        if n != leader { leaving = n }
    }
    require.NoError(t, leaving.Leave(ctx))
    require.Eventually(t, func() bool {
        st, err := leader.Status(ctx)
        return err == nil && !st.Node.Topology.Contains(leaving.tag)
    }, 10*time.Second, 50*time.Millisecond)
}
