package consensus

import (
    "encoding/json"
    "sort"
)

// Role is the consensus role of a node.
type Role int

const (
    Follower Role = iota
    Candidate
    Leader
    // Passive nodes replicate but never elect or get elected: watchers, and
    // nodes that have not joined a topology yet.
    Passive
)

func (r Role) String() string {
    switch r {
    case Follower:
        return "follower"
    case Candidate:
        return "candidate"
    case Leader:
        return "leader"
    case Passive:
        return "passive"
    default:
        return "unknown"
    }
}

func (r Role) MarshalJSON() ([]byte, error) { return json.Marshal(r.String()) }

func (r *Role) UnmarshalJSON(b []byte) error {
    var s string
    if err := json.Unmarshal(b, &s); err != nil { return err }
    switch s {
    case "follower":
        *r = Follower
    case "candidate":
        *r = Candidate
    case "leader":
        *r = Leader
    default:
        *r = Passive
    }
    return nil
}

// EntryFlags classifies log entries.
type EntryFlags uint8

const (
    // FlagNoop is the first entry a new leader appends in its term.
    FlagNoop EntryFlags = iota + 1
    // FlagCommand carries a state machine command.
    FlagCommand
    // FlagTopology carries a serialized Topology.
    FlagTopology
)

func (f EntryFlags) String() string {
    switch f {
    case FlagNoop:
        return "noop"
    case FlagCommand:
        return "command"
    case FlagTopology:
        return "topology"
    default:
        return "invalid"
    }
}

// Entry is one record of the replicated log. Entries are copied to followers,
// never mutated; (Index, Term) is immutable once committed.
type Entry struct {
    Index     uint64     `json:"index"`
    Term      uint64     `json:"term"`
    Flags     EntryFlags `json:"flags"`
    Type      string     `json:"type,omitempty"`
    RequestID string     `json:"requestId,omitempty"`
    Origin    string     `json:"origin,omitempty"`
    Payload   []byte     `json:"payload,omitempty"`
}

// Topology is the cluster membership as replicated through the log. Members
// vote; Promotables and Watchers only replicate.
type Topology struct {
    TopologyID  string            `json:"topologyId"`
    Members     map[string]string `json:"members,omitempty"`
    Promotables map[string]string `json:"promotables,omitempty"`
    Watchers    map[string]string `json:"watchers,omitempty"`
    Etag        uint64            `json:"etag"`
}

// Empty reports whether the topology has not been established.
func (t Topology) Empty() bool { return t.TopologyID == "" }

// Clone returns a deep copy.
func (t Topology) Clone() Topology {
    out := Topology{TopologyID: t.TopologyID, Etag: t.Etag}
    out.Members = cloneMap(t.Members)
    out.Promotables = cloneMap(t.Promotables)
    out.Watchers = cloneMap(t.Watchers)
    return out
}

func cloneMap(m map[string]string) map[string]string {
    if m == nil { return map[string]string{} }
    out := make(map[string]string, len(m))
    for k, v := range m { out[k] = v }
    return out
}

// URL returns the address of tag in any of the sections.
func (t Topology) URL(tag string) (string, bool) {
    if u, ok := t.Members[tag]; ok { return u, true }
    if u, ok := t.Promotables[tag]; ok { return u, true }
    if u, ok := t.Watchers[tag]; ok { return u, true }
    return "", false
}

// IsVoter reports whether tag is a voting member.
func (t Topology) IsVoter(tag string) bool {
    _, ok := t.Members[tag]
    return ok
}

// Contains reports whether tag is in any section.
func (t Topology) Contains(tag string) bool {
    _, ok := t.URL(tag)
    return ok
}

// Quorum is the strict majority of voting members.
func (t Topology) Quorum() int { return len(t.Members)/2 + 1 }

// AllNodes returns every tag except skip, sorted.
func (t Topology) AllNodes(skip string) []string {
    var out []string
    for _, m := range []map[string]string{t.Members, t.Promotables, t.Watchers} {
        for tag := range m {
            if tag != skip { out = append(out, tag) }
        }
    }
    sort.Strings(out)
    return out
}

// Voters returns the voting member tags except skip, sorted.
func (t Topology) Voters(skip string) []string {
    var out []string
    for tag := range t.Members {
        if tag != skip { out = append(out, tag) }
    }
    sort.Strings(out)
    return out
}

// LogSummary is a diagnostic view of a node's log.
type LogSummary struct {
    CommitIndex        uint64  `json:"commitIndex"`
    LastTruncatedIndex uint64  `json:"lastTruncatedIndex"`
    LastTruncatedTerm  uint64  `json:"lastTruncatedTerm"`
    FirstEntryIndex    uint64  `json:"firstEntryIndex"`
    LastLogEntryIndex  uint64  `json:"lastLogEntryIndex"`
    Entries            []Entry `json:"entries,omitempty"`
}
