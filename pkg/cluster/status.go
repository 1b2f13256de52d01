package cluster

import (
    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/membership"
)

// ClusterStatus is a JSON-serializable view of the cluster from this node,
// served on the management /status endpoint.
type ClusterStatus struct {
    // Healthy is true when a leader is known and the applier is not halted.
    Healthy bool `json:"healthy"`
    // Node is the local consensus status.
    Node consensus.Status `json:"node"`
    // LeaderTag is the current leader, if any.
    LeaderTag string `json:"leaderTag,omitempty"`
    // LeaderAddr is the management address of the current leader, if known.
    LeaderAddr string `json:"leaderAddr,omitempty"`
    // Members is the gossip view including management addresses.
    Members []membership.MemberInfo `json:"members,omitempty"`
    // Warnings are non-fatal observations, e.g. topology nodes missing from
    // gossip.
    Warnings []string `json:"warnings,omitempty"`
}
