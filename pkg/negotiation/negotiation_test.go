package negotiation

import (
    "bytes"
    "context"
    "log"
    "net"
    "testing"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/transport/wire"
)

type serverResult struct {
    res Result
    hdr wire.ConnectionHeader
    err error
}

func run(t *testing.T, p Params, opts AcceptOptions) (Result, serverResult) {
    t.Helper()
    a, b := net.Pipe()
    client, server := wire.NewConn(a), wire.NewConn(b)
    t.Cleanup(func() { _ = client.Close(); _ = server.Close() })

    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    t.Cleanup(cancel)

    done := make(chan serverResult, 1)
    go func() {
        r, h, err := Accept(ctx, server, opts)
        done <- serverResult{r, h, err}
    }()
    res, err := Negotiate(ctx, client, p)
    require.NoError(t, err)
    return res, <-done
}

func TestNegotiate_SameVersionAgreesImmediately(t *testing.T) {
    res, srv := run(t, Params{Operation: wire.OperationCluster, SourceNodeTag: "A"}, AcceptOptions{})
    require.NoError(t, srv.err)
    require.Equal(t, Agreed, res.Outcome)
    require.Equal(t, ClusterSnapshotRequestIDs, res.Version)
    require.True(t, res.Features.SnapshotRequestIDs)
    require.True(t, res.Features.LogSummaryHints)
    require.Equal(t, res, srv.res)
    require.Equal(t, "A", srv.hdr.SourceNodeTag)
}

func TestNegotiate_DowngradesToCommonVersion(t *testing.T) {
    older := Table{wire.OperationCluster: {ClusterLogSummaryHints, ClusterBaseLine}}
    res, srv := run(t, Params{Operation: wire.OperationCluster, SourceNodeTag: "A"}, AcceptOptions{Table: older})
    require.NoError(t, srv.err)
    require.Equal(t, Agreed, res.Outcome)
    require.Equal(t, ClusterLogSummaryHints, res.Version)
    require.True(t, res.Features.LogSummaryHints)
    require.False(t, res.Features.SnapshotRequestIDs)
    require.Equal(t, Agreed, srv.res.Outcome)
    require.Equal(t, ClusterLogSummaryHints, srv.res.Version)
    require.NoError(t, res.Err())
}

func TestNegotiate_NewerClientAgainstOlderServerFromBothSides(t *testing.T) {
    older := Table{wire.OperationCluster: {ClusterLogSummaryHints, ClusterBaseLine}}
    res, srv := run(t, Params{Operation: wire.OperationCluster, Table: older}, AcceptOptions{})
    require.NoError(t, srv.err)
    require.Equal(t, ClusterLogSummaryHints, res.Version)
    require.Equal(t, ClusterLogSummaryHints, srv.res.Version)
}

func TestNegotiate_BelowFloorIsOutOfRange(t *testing.T) {
    ancient := Table{wire.OperationCluster: {5}}
    res, srv := run(t, Params{Operation: wire.OperationCluster, Table: ancient}, AcceptOptions{})
    require.NoError(t, srv.err)
    require.Equal(t, OutOfRange, res.Outcome)
    require.Equal(t, 5, res.LocalVersion)
    require.Equal(t, ClusterBaseLine, res.RemoteVersion)
    require.Equal(t, OutOfRange, srv.res.Outcome)

    err := res.Err()
    require.Error(t, err)
    require.True(t, errors.Is(err, consensus.ErrInvalidOperation))
    require.Contains(t, err.Error(), "local=5")
    require.Contains(t, err.Error(), "remote=10")
}

func TestNegotiate_DropOperationIsDropped(t *testing.T) {
    res, srv := run(t, Params{Operation: wire.OperationDrop, Version: 1}, AcceptOptions{})
    require.NoError(t, srv.err)
    require.Equal(t, Dropped, res.Outcome)
    require.Equal(t, Dropped, srv.res.Outcome)
    require.True(t, errors.Is(res.Err(), consensus.ErrTransport))
}

func TestNegotiate_AcceptorRefusal(t *testing.T) {
    refuse := AcceptorFunc(func(h wire.ConnectionHeader) string {
        if h.SourceNodeTag == "Z" { return "unknown node" }
        return ""
    })
    var logs bytes.Buffer
    res, _ := run(t, Params{Operation: wire.OperationPing, SourceNodeTag: "Z"}, AcceptOptions{Acceptor: refuse, Logger: log.New(&logs, "", 0)})
    require.Equal(t, Dropped, res.Outcome)
    require.Equal(t, "unknown node", res.Reason)
    require.Contains(t, logs.String(), "dropping Ping")
    require.Contains(t, logs.String(), "unknown node")

    res, _ = run(t, Params{Operation: wire.OperationPing, SourceNodeTag: "B"}, AcceptOptions{Acceptor: refuse})
    require.Equal(t, Agreed, res.Outcome)
    require.Equal(t, 1, res.Version)
}

func TestNegotiate_RenegotiationIsIdempotent(t *testing.T) {
    older := Table{wire.OperationCluster: {ClusterLogSummaryHints, ClusterBaseLine}}
    first, _ := run(t, Params{Operation: wire.OperationCluster}, AcceptOptions{Table: older})
    second, _ := run(t, Params{Operation: wire.OperationCluster, Version: first.Version}, AcceptOptions{Table: older})
    require.Equal(t, first, second)
}

func TestNegotiate_CanceledContext(t *testing.T) {
    a, b := net.Pipe()
    defer a.Close()
    defer b.Close()
    ctx, cancel := context.WithCancel(context.Background())
    cancel()
    _, err := Negotiate(ctx, wire.NewConn(a), Params{Operation: wire.OperationCluster})
    require.Error(t, err)
}

func TestFeaturesFor(t *testing.T) {
    f := FeaturesFor(wire.OperationCluster, ClusterBaseLine)
    require.True(t, f.BaseLine)
    require.False(t, f.LogSummaryHints)
    require.False(t, f.SnapshotRequestIDs)

    f = FeaturesFor(wire.OperationHeartbeats, 20)
    require.True(t, f.BaseLine)
    require.Equal(t, 20, f.Version)
}
