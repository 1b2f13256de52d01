package cluster

import "github.com/cockroachdb/errors"

var (
    // ErrNoLeader is returned when no leader is known or its management
    // address has not been gossiped yet. It is marked as not-leading so that
    // callers retry it like any other leadership change.
    ErrNoLeader = errors.New("cluster: no known leader")
    // ErrNoRPC is returned for operations that need the management client.
    ErrNoRPC = errors.New("cluster: no RPC client configured")
)
