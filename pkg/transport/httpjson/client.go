package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and retries transport failures with backoff.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
    attempts  int
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr, attempts: 3}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// do sends the request built by mk, retrying only when no response arrived.
// JSON responses are decoded into out whatever their status; anything else
// is an error.
func (c *Client) do(ctx context.Context, mk func() (*http.Request, error), out any) error {
    var lastErr error
    for attempt := 0; attempt < c.attempts; attempt++ {
        req, err := mk()
        if err != nil { return err }
        resp, err := c.httpc.Do(req)
        if err == nil {
            defer resp.Body.Close()
            b, _ := io.ReadAll(resp.Body)
            if resp.Header.Get("Content-Type") == "application/json" {
                if err := json.Unmarshal(b, out); err != nil {
                    return errors.Wrapf(err, "decode %s", req.URL.Path)
                }
                return nil
            }
            return errors.Newf("%s: status %d: %s", req.URL.Path, resp.StatusCode, bytes.TrimSpace(b))
        }
        lastErr = consensus.TransportError(err, "%s", req.URL)
        // backoff unless context is done
        select {
        case <-ctx.Done():
            return lastErr
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return lastErr
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    var out json.RawMessage
    err := c.do(ctx, func() (*http.Request, error) {
        return http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, "/status"), nil)
    }, &out)
    return out, err
}

func (c *Client) GetLog(ctx context.Context, addr string, max int) (consensus.LogSummary, error) {
    var out consensus.LogSummary
    err := c.do(ctx, func() (*http.Request, error) {
        return http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, fmt.Sprintf("/log?max=%d", max)), nil)
    }, &out)
    return out, err
}

func (c *Client) post(ctx context.Context, addr, path string, in, out any) error {
    body, err := json.Marshal(in)
    if err != nil { return err }
    return c.do(ctx, func() (*http.Request, error) {
        req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, path), bytes.NewReader(body))
        if err != nil { return nil, err }
        req.Header.Set("Content-Type", "application/json")
        return req, nil
    }, out)
}

// PostSubmit forwards a command. A refusal by the remote node is returned
// both in the response and as a categorized error.
func (c *Client) PostSubmit(ctx context.Context, addr string, req transport.SubmitRequest) (transport.SubmitResponse, error) {
    var out transport.SubmitResponse
    if err := c.post(ctx, addr, "/submit", req, &out); err != nil { return out, err }
    return out, out.Err()
}

// PostTopology requests a topology change.
func (c *Client) PostTopology(ctx context.Context, addr string, req transport.TopologyRequest) (transport.TopologyResponse, error) {
    var out transport.TopologyResponse
    if err := c.post(ctx, addr, "/topology", req, &out); err != nil { return out, err }
    return out, out.Err()
}

var _ transport.RPCClient = (*Client)(nil)
