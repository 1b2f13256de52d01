package cluster

import (
    "log"
    "time"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/discovery"
    "github.com/amirimatin/go-rachis/pkg/membership"
    "github.com/amirimatin/go-rachis/pkg/transport"
    "github.com/amirimatin/go-rachis/pkg/waiter"
)

// Options carries dependency-injected components and runtime configuration used
// to assemble the cluster facade. Instances are typically produced from
// bootstrap.Config.
type Options struct {
    // Consensus is the engine; its Tag identifies this node.
    Consensus consensus.Consensus
    // URL is this node's consensus URL, announced on Join.
    URL string
    // Waiters must be the registry the engine resolves.
    Waiters *waiter.Registry

    // Membership gossips management addresses. Without it, writes on
    // followers cannot be forwarded.
    Membership membership.Membership
    // Discovery provides seed nodes for membership join.
    Discovery discovery.Discovery

    // Optional management RPC
    RPCServer transport.RPCServer
    RPCClient transport.RPCClient

    // Bootstrap founds a new single-member cluster when this node has no
    // topology yet.
    Bootstrap bool
    // AutoJoin makes the leader add gossip-discovered nodes as promotables.
    AutoJoin bool
    // MaxRetries bounds how often Execute resubmits after a leadership
    // change. Zero selects 5.
    MaxRetries int
    // RetryBackoff is the base delay between resubmissions. Zero selects
    // 100ms.
    RetryBackoff time.Duration

    Logger *log.Logger

    // OnLeaderChange is called from the event loop for every observed leader.
    OnLeaderChange func(info consensus.LeaderInfo)
}

func (o *Options) setDefaults() {
    if o.MaxRetries == 0 { o.MaxRetries = 5 }
    if o.RetryBackoff == 0 { o.RetryBackoff = 100 * time.Millisecond }
    if o.Logger == nil { o.Logger = log.Default() }
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if o.Consensus == nil { return errors.New("cluster: nil Consensus") }
    if o.Waiters == nil { return errors.New("cluster: nil Waiters") }
    if o.Membership != nil && o.Discovery == nil { return errors.New("cluster: Membership requires Discovery") }
    if o.MaxRetries < 0 { return errors.New("cluster: negative MaxRetries") }
    return nil
}
