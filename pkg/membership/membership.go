// Package membership gossips which nodes are alive and where their
// management and consensus endpoints are. It does not decide cluster
// topology; that is replicated through the consensus log.
package membership

import (
    "context"
    "time"
)

// Metadata keys every node publishes.
const (
    // MetaMgmt is the management RPC address, used to forward writes to the
    // leader.
    MetaMgmt = "mgmt"
    // MetaRachis is the consensus URL peers dial.
    MetaRachis = "rachis"
)

// MemberInfo describes a node as observed by gossip. Tag is the node's
// consensus tag.
type MemberInfo struct {
    Tag  string            `json:"tag"`
    Addr string            `json:"addr"`
    Meta map[string]string `json:"meta,omitempty"`
}

// MgmtAddr returns the management address the member published.
func (m MemberInfo) MgmtAddr() string { return m.Meta[MetaMgmt] }

// RachisURL returns the consensus URL the member published.
func (m MemberInfo) RachisURL() string { return m.Meta[MetaRachis] }

type EventType string

const (
    // EventJoin indicates a member joined or became visible.
    EventJoin EventType = "join"
    // EventLeave indicates a member left gracefully or timed out.
    EventLeave EventType = "leave"
    // EventUpdate indicates a member changed its metadata.
    EventUpdate EventType = "update"
)

// Event is the translated membership change notification.
type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// Membership is the abstraction over the underlying gossip/failure-detection
// layer. It is responsible for peer discovery, join/leave and event delivery.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() MemberInfo
    Members() []MemberInfo
    // Lookup returns the live member with tag.
    Lookup(tag string) (MemberInfo, bool)
    Events() <-chan Event
    Leave() error
    Stop() error
}
