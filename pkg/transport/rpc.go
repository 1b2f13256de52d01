package transport

import (
    "context"

    "github.com/amirimatin/go-rachis/pkg/consensus"
)

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on cluster types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// LogFunc returns a summary of the local log with at most max entries.
type LogFunc func(ctx context.Context, max int) (consensus.LogSummary, error)

// SubmitRequest carries a command forwarded to the leader. RequestID and
// Origin are kept so the originating node can resolve its own waiter.
type SubmitRequest struct {
    Command consensus.Command `json:"command"`
}

// SubmitResponse reports the log index the command was appended at, or why
// it was not. Leader names the node to retry against when known.
type SubmitResponse struct {
    Index  uint64 `json:"index,omitempty"`
    Leader string `json:"leader,omitempty"`
    Error  string `json:"error,omitempty"`
    // Code is the error category, see consensus.Code.
    Code string `json:"code,omitempty"`
}

// SubmitFunc appends a forwarded command (leader-only).
type SubmitFunc func(ctx context.Context, req SubmitRequest) (SubmitResponse, error)

// Topology actions.
const (
    ActionAddMember     = "add-member"
    ActionAddPromotable = "add-promotable"
    ActionAddWatcher    = "add-watcher"
    ActionRemove        = "remove"
)

// TopologyRequest asks the leader to change the cluster topology.
type TopologyRequest struct {
    Action string `json:"action"`
    Tag    string `json:"tag"`
    URL    string `json:"url,omitempty"`
}

// TopologyResponse indicates whether the change was committed.
type TopologyResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
    Code     string `json:"code,omitempty"`
}

// Err rebuilds the categorized error carried by the response, if any.
func (r SubmitResponse) Err() error {
    if r.Error == "" { return nil }
    return consensus.FromCode(r.Code, r.Error)
}

// Err rebuilds the categorized error carried by the response, if any.
func (r TopologyResponse) Err() error {
    if r.Error == "" { return nil }
    return consensus.FromCode(r.Code, r.Error)
}

// TopologyFunc handles topology change requests (leader-only).
type TopologyFunc func(ctx context.Context, req TopologyRequest) (TopologyResponse, error)

// Handlers are the callbacks a management server dispatches to. Nil
// handlers answer "not supported".
type Handlers struct {
    Status   StatusFunc
    Log      LogFunc
    Submit   SubmitFunc
    Topology TopologyFunc
}

// RPCServer exposes management endpoints for operators and for followers
// forwarding writes to the leader.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient performs management calls against other nodes using the chosen
// protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    GetLog(ctx context.Context, addr string, max int) (consensus.LogSummary, error)
    PostSubmit(ctx context.Context, addr string, req SubmitRequest) (SubmitResponse, error)
    PostTopology(ctx context.Context, addr string, req TopologyRequest) (TopologyResponse, error)
}
