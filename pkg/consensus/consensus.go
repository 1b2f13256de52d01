package consensus

import (
    "context"
)

// Command is a client command submitted to the replicated log. Type and
// Payload are opaque to the consensus core; RequestID correlates the command
// with its waiter and de-duplicates re-submissions after a leader change.
type Command struct {
    Type      string `json:"type"`
    Payload   []byte `json:"payload,omitempty"`
    RequestID string `json:"requestId"`
    // Origin is the tag of the node that created the request. Only that node
    // resolves the waiter when the command is applied.
    Origin string `json:"origin,omitempty"`
}

// Consensus is the abstraction over the leader-based consensus engine used by
// the cluster facade. It exposes leadership, term information and a write path.
type Consensus interface {
    Start(ctx context.Context) error
    Submit(ctx context.Context, cmd Command) (uint64, error)
    WaitForCommitIndexChange(ctx context.Context, index uint64) error
    IsLeader() bool
    Leader() (tag string, url string, ok bool)
    Term() uint64
    Tag() string
    Status() Status
    LogSummary(max int) LogSummary
    Stop() error
}

// Status is a point-in-time view of a node's consensus state.
type Status struct {
    Tag          string              `json:"tag"`
    Role         Role                `json:"role"`
    Term         uint64              `json:"term"`
    LeaderTag    string              `json:"leaderTag,omitempty"`
    CommitIndex  uint64              `json:"commitIndex"`
    AppliedIndex uint64              `json:"appliedIndex"`
    LastIndex    uint64              `json:"lastIndex"`
    Topology     Topology            `json:"topology"`
    Followers    map[string]Progress `json:"followers,omitempty"`
    // ApplyFailure is set when the state machine failed to apply a committed
    // entry. The node does not participate until an operator resolves it.
    ApplyFailure string `json:"applyFailure,omitempty"`
}

// Progress is the leader's replication bookkeeping for one follower.
type Progress struct {
    NextIndex  uint64 `json:"nextIndex"`
    MatchIndex uint64 `json:"matchIndex"`
    Snapshot   bool   `json:"snapshot,omitempty"`
    Connected  bool   `json:"connected"`
}
