package rachis

import (
    "log"
    "time"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-rachis/pkg/consensus/logstore"
    "github.com/amirimatin/go-rachis/pkg/negotiation"
    "github.com/amirimatin/go-rachis/pkg/snapshot"
    "github.com/amirimatin/go-rachis/pkg/state"
    "github.com/amirimatin/go-rachis/pkg/transport"
    "github.com/amirimatin/go-rachis/pkg/waiter"
)

// Options configures a Node. Zero values select defaults.
type Options struct {
    // Tag is the stable identity of this node in the topology.
    Tag string
    // URL is the address peers dial to reach this node. Defaults to
    // Transport.Addr().
    URL string

    Transport    transport.Transport
    StateMachine state.StateMachine
    // Log defaults to a volatile in-memory log. The node closes it on Stop.
    Log *logstore.Log
    // Snapshots defaults to an in-memory store.
    Snapshots *snapshot.Store
    // Waiters, when set, are resolved for commands originated by this node.
    Waiters *waiter.Registry

    // ElectionTimeout is T; followers wait a random duration in [T, 2T)
    // without hearing from a leader before campaigning. Peers must agree.
    ElectionTimeout time.Duration
    // HeartbeatInterval defaults to ElectionTimeout/4.
    HeartbeatInterval time.Duration
    // MaxAppendEntries bounds the entries carried by one append.
    MaxAppendEntries int
    // MaxInFlight bounds uncommitted entries; Submit blocks while full.
    MaxInFlight int
    // DedupWindow is the number of applied request ids remembered.
    DedupWindow int
    // SnapshotThreshold is the number of applied entries kept in the log
    // before compacting them into a snapshot. Negative disables compaction.
    SnapshotThreshold int

    // Versions overrides the negotiation table (tests, rolling upgrades).
    Versions negotiation.Table
    // BuildVersion is reported in the hello.
    BuildVersion int
    // Acceptor may drop inbound connections during negotiation; nil admits
    // every peer.
    Acceptor negotiation.Acceptor

    Logger *log.Logger
}

func (o *Options) setDefaults() {
    if o.URL == "" && o.Transport != nil { o.URL = o.Transport.Addr() }
    if o.Log == nil { o.Log = logstore.NewInmem() }
    if o.Snapshots == nil { o.Snapshots = snapshot.NewInmemStore() }
    if o.ElectionTimeout == 0 { o.ElectionTimeout = 300 * time.Millisecond }
    if o.HeartbeatInterval == 0 { o.HeartbeatInterval = o.ElectionTimeout / 4 }
    if o.MaxAppendEntries == 0 { o.MaxAppendEntries = 256 }
    if o.MaxInFlight == 0 { o.MaxInFlight = 1024 }
    if o.DedupWindow == 0 { o.DedupWindow = 4096 }
    if o.SnapshotThreshold == 0 { o.SnapshotThreshold = 10000 }
    if o.Logger == nil { o.Logger = log.Default() }
}

// Validate checks required fields.
func (o Options) Validate() error {
    if o.Tag == "" { return errors.New("rachis: Tag is required") }
    if o.Transport == nil { return errors.New("rachis: Transport is required") }
    if o.StateMachine == nil { return errors.New("rachis: StateMachine is required") }
    if o.ElectionTimeout < 0 || o.HeartbeatInterval < 0 { return errors.New("rachis: negative timeout") }
    if o.HeartbeatInterval > 0 && o.ElectionTimeout > 0 && o.HeartbeatInterval >= o.ElectionTimeout {
        return errors.New("rachis: HeartbeatInterval must be shorter than ElectionTimeout")
    }
    if o.MaxAppendEntries < 0 || o.MaxInFlight < 0 || o.DedupWindow < 0 {
        return errors.New("rachis: negative limit")
    }
    return nil
}
