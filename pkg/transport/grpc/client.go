package grpc

import (
    "context"
    "crypto/tls"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/transport"
)

type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config

    once sync.Once
    cm   *ConnManager
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client. It must be called before the first
// request.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
    // Use JSON codec and set content subtype accordingly.
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithBlock(),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.DialContext(ctx, target, opts...)
}

// invoke calls method on addr through a cached connection.
func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
    c.once.Do(func() { c.cm = NewConnManager(30*time.Second, c.dialCtx) })
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.cm.Get(cctx, addr)
    if err != nil { return consensus.TransportError(err, "dial %s", addr) }
    err = cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out)
    rel()
    if status.Code(err) == codes.Unavailable {
        c.cm.Evict(addr)
        return consensus.TransportError(err, "%s %s", method, addr)
    }
    return err
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    out := new(statusBlob)
    if err := c.invoke(ctx, addr, "GetStatus", &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

func (c *Client) GetLog(ctx context.Context, addr string, max int) (consensus.LogSummary, error) {
    var out consensus.LogSummary
    err := c.invoke(ctx, addr, "GetLog", &logRequest{Max: max}, &out)
    return out, err
}

func (c *Client) PostSubmit(ctx context.Context, addr string, req transport.SubmitRequest) (transport.SubmitResponse, error) {
    var resp transport.SubmitResponse
    if err := c.invoke(ctx, addr, "Submit", &req, &resp); err != nil { return resp, err }
    return resp, resp.Err()
}

func (c *Client) PostTopology(ctx context.Context, addr string, req transport.TopologyRequest) (transport.TopologyResponse, error) {
    var resp transport.TopologyResponse
    if err := c.invoke(ctx, addr, "ModifyTopology", &req, &resp); err != nil { return resp, err }
    return resp, resp.Err()
}

// Close drops every cached connection.
func (c *Client) Close() {
    if c.cm != nil { c.cm.Close() }
}

var _ transport.RPCClient = (*Client)(nil)
