package wire

import (
    "github.com/amirimatin/go-rachis/pkg/consensus"
)

// Operation is the category of traffic a connection is negotiated for.
type Operation string

const (
    OperationNone           Operation = "None"
    OperationDrop           Operation = "Drop"
    OperationCluster        Operation = "Cluster"
    OperationHeartbeats     Operation = "Heartbeats"
    OperationPing           Operation = "Ping"
    OperationTestConnection Operation = "TestConnection"
)

// Negotiation sentinels carried in ConnectionHeaderResponse.Version and
// ConnectionHeader.OperationVersion.
const (
    OutOfRangeStatus = -1
    DropStatus       = -2
)

// Features is the capability set unlocked by the version agreed for a
// connection's operation.
type Features struct {
    Operation Operation `json:"operation"`
    Version   int       `json:"version"`
    BaseLine  bool      `json:"baseLine"`
    // LogSummaryHints lets append rejections carry the follower's last log
    // index so the leader can skip directly to it.
    LogSummaryHints bool `json:"logSummaryHints,omitempty"`
    // SnapshotRequestIDs adds the recently applied request-id window to the
    // snapshot header.
    SnapshotRequestIDs bool `json:"snapshotRequestIds,omitempty"`
}

// AuthorizeInfo is forwarded opaquely to the acceptor.
type AuthorizeInfo struct {
    AuthorizeAs      string `json:"authorizeAs,omitempty"`
    AuthorizationFor string `json:"authorizationFor,omitempty"`
}

// ConnectionHeader is one negotiation proposal.
type ConnectionHeader struct {
    DatabaseName     string         `json:"databaseName,omitempty"`
    Operation        Operation      `json:"operation"`
    SourceNodeTag    string         `json:"sourceNodeTag"`
    OperationVersion int            `json:"operationVersion"`
    AuthorizeInfo    *AuthorizeInfo `json:"authorizeInfo,omitempty"`
}

// ConnectionHeaderResponse is the counter-proposal: a version or a sentinel.
type ConnectionHeaderResponse struct {
    Version int    `json:"version"`
    Message string `json:"message,omitempty"`
}

// MessageType selects the purpose of a cluster connection.
type MessageType string

const (
    MessageAppendEntries   MessageType = "AppendEntries"
    MessageRequestVote     MessageType = "RequestVote"
    MessageInstallSnapshot MessageType = "InstallSnapshot"
)

// Hello is the first record after negotiation on a cluster connection.
type Hello struct {
    TopologyID                 string      `json:"topologyId"`
    DebugSourceIdentifier      string      `json:"debugSourceIdentifier"`
    DebugDestinationIdentifier string      `json:"debugDestinationIdentifier"`
    InitialMessageType         MessageType `json:"initialMessageType"`
    DestinationURL             string      `json:"destinationUrl"`
    SourceURL                  string      `json:"sourceUrl"`
    // ElectionTimeout in milliseconds; peers must agree on it.
    ElectionTimeout    int64 `json:"electionTimeout"`
    ServerBuildVersion int   `json:"serverBuildVersion"`
}

// HelloResponse accepts or refuses the connection purpose.
type HelloResponse struct {
    Accepted    bool   `json:"accepted"`
    Reason      string `json:"reason,omitempty"`
    CurrentTerm uint64 `json:"currentTerm"`
}

// AppendEntries replicates entries and doubles as heartbeat when empty.
type AppendEntries struct {
    Term         uint64            `json:"term"`
    LeaderTag    string            `json:"leaderTag"`
    PrevLogIndex uint64            `json:"prevLogIndex"`
    PrevLogTerm  uint64            `json:"prevLogTerm"`
    LeaderCommit uint64            `json:"leaderCommit"`
    Entries      []consensus.Entry `json:"entries,omitempty"`
}

// AppendEntriesResponse acknowledges or rejects an append.
type AppendEntriesResponse struct {
    Term    uint64 `json:"term"`
    Success bool   `json:"success"`
    // LastLogIndex is the follower's last index after processing; on
    // rejection it is a hint only with Features.LogSummaryHints.
    LastLogIndex uint64 `json:"lastLogIndex"`
    // LastTruncatedIndex tells the leader when the follower needs a snapshot.
    LastTruncatedIndex uint64 `json:"lastTruncatedIndex,omitempty"`
    Message            string `json:"message,omitempty"`
}

// RequestVote asks for a vote in Term.
type RequestVote struct {
    Term         uint64 `json:"term"`
    CandidateTag string `json:"candidateTag"`
    LastLogIndex uint64 `json:"lastLogIndex"`
    LastLogTerm  uint64 `json:"lastLogTerm"`
}

// RequestVoteResponse grants or denies a vote.
type RequestVoteResponse struct {
    Term        uint64 `json:"term"`
    VoteGranted bool   `json:"voteGranted"`
    Message     string `json:"message,omitempty"`
}

// InstallSnapshot announces a snapshot stream. The binary snapshot (header
// with LastIncludedIndex, LastIncludedTerm and Topology, then state bytes)
// follows once the receiver acknowledges with a not-done response.
type InstallSnapshot struct {
    Term      uint64 `json:"term"`
    LeaderTag string `json:"leaderTag"`
}

// InstallSnapshotResponse is sent once before the stream (Done=false) and
// once after it has been consumed.
type InstallSnapshotResponse struct {
    Done         bool   `json:"done"`
    CurrentTerm  uint64 `json:"currentTerm"`
    LastLogIndex uint64 `json:"lastLogIndex"`
    Message      string `json:"message,omitempty"`
}

// NodeReport is streamed on a Heartbeats connection once per heartbeat
// interval.
type NodeReport struct {
    Tag          string         `json:"tag"`
    Role         consensus.Role `json:"role"`
    Term         uint64         `json:"term"`
    LeaderTag    string         `json:"leaderTag,omitempty"`
    CommitIndex  uint64         `json:"commitIndex"`
    AppliedIndex uint64         `json:"appliedIndex"`
    LastIndex    uint64         `json:"lastIndex"`
    ApplyFailure string         `json:"applyFailure,omitempty"`
}
