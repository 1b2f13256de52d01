package grpc

import (
    "context"
    "testing"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/stretchr/testify/require"
    ggrpc "google.golang.org/grpc"
    "google.golang.org/grpc/credentials/insecure"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/transport"
)

func startServer(t *testing.T, h transport.Handlers) *Server {
    t.Helper()
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    s := NewServer("127.0.0.1:0")
    require.NoError(t, s.Start(ctx, h))
    return s
}

func TestManagementService(t *testing.T) {
    var topo transport.TopologyRequest
    s := startServer(t, transport.Handlers{
        Status: func(context.Context) ([]byte, error) { return []byte(`{"tag":"a"}`), nil },
        Log: func(_ context.Context, max int) (consensus.LogSummary, error) {
            return consensus.LogSummary{CommitIndex: uint64(max)}, nil
        },
        Submit: func(_ context.Context, req transport.SubmitRequest) (transport.SubmitResponse, error) {
            if req.Command.RequestID == "" { return transport.SubmitResponse{}, consensus.InvalidOperationf("missing request id") }
            return transport.SubmitResponse{Index: 3}, nil
        },
        Topology: func(_ context.Context, req transport.TopologyRequest) (transport.TopologyResponse, error) {
            topo = req
            return transport.TopologyResponse{}, consensus.NotLeadingf("follower")
        },
    })
    c := NewClient(2 * time.Second)
    defer c.Close()
    ctx := context.Background()

    st, err := c.GetStatus(ctx, s.Addr())
    require.NoError(t, err)
    require.JSONEq(t, `{"tag":"a"}`, string(st))

    sum, err := c.GetLog(ctx, s.Addr(), 5)
    require.NoError(t, err)
    require.Equal(t, uint64(5), sum.CommitIndex)

    resp, err := c.PostSubmit(ctx, s.Addr(), transport.SubmitRequest{Command: consensus.Command{Type: "put", RequestID: "r"}})
    require.NoError(t, err)
    require.Equal(t, uint64(3), resp.Index)

    _, err = c.PostSubmit(ctx, s.Addr(), transport.SubmitRequest{})
    require.True(t, errors.Is(err, consensus.ErrInvalidOperation), "got %v", err)

    _, err = c.PostTopology(ctx, s.Addr(), transport.TopologyRequest{Action: transport.ActionAddWatcher, Tag: "w", URL: "w:1"})
    require.True(t, errors.Is(err, consensus.ErrNotLeading), "got %v", err)
    require.Equal(t, "w", topo.Tag)
}

func TestHealthServiceUsesProtobuf(t *testing.T) {
    s := startServer(t, transport.Handlers{})
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    cc, err := ggrpc.DialContext(ctx, s.Addr(), ggrpc.WithTransportCredentials(insecure.NewCredentials()), ggrpc.WithBlock())
    require.NoError(t, err)
    defer cc.Close()
    hc := healthpb.NewHealthClient(cc)

    resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
    require.NoError(t, err)
    require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

    s.SetServing(false)
    resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
    require.NoError(t, err)
    require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestConnManagerReuse(t *testing.T) {
    s := startServer(t, transport.Handlers{})
    c := NewClient(2 * time.Second)
    defer c.Close()
    for i := 0; i < 3; i++ {
        _, err := c.GetStatus(context.Background(), s.Addr())
        require.NoError(t, err)
    }
    c.cm.mu.Lock()
    require.Len(t, c.cm.peers, 1)
    require.Equal(t, 0, c.cm.peers[s.Addr()].refs)
    c.cm.mu.Unlock()
}

func TestConnManagerCoolsDownFailedPeer(t *testing.T) {
    dials := 0
    m := NewConnManager(time.Minute, func(context.Context, string) (*ggrpc.ClientConn, error) {
        dials++
        return nil, errors.New("connection refused")
    })
    defer m.Close()

    _, _, err := m.Get(context.Background(), "10.0.0.9:1")
    require.ErrorContains(t, err, "connection refused")
    _, _, err = m.Get(context.Background(), "10.0.0.9:1")
    require.True(t, errors.Is(err, ErrPeerCoolingDown))
    require.Equal(t, 1, dials)

    require.Eventually(t, func() bool {
        _, _, err := m.Get(context.Background(), "10.0.0.9:1")
        return !errors.Is(err, ErrPeerCoolingDown)
    }, time.Second, 20*time.Millisecond)
    require.Equal(t, 2, dials)
}
