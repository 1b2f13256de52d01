// Package rachis is the consensus engine: leader election, log replication,
// commit, snapshot transfer and ordered apply over negotiated peer streams.
package rachis

import (
    "context"
    "log"
    "sync"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/google/uuid"
    lru "github.com/hashicorp/golang-lru"
    "golang.org/x/sync/errgroup"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/consensus/logstore"
    "github.com/amirimatin/go-rachis/pkg/internal/logutil"
    "github.com/amirimatin/go-rachis/pkg/observability/metrics"
)

// appliedCmd is what the dedup window remembers per request id.
type appliedCmd struct {
    Index  uint64
    Result []byte
}

// Node is one member of a rachis cluster.
type Node struct {
    opts   Options
    tag    string
    logger *log.Logger

    // mu guards everything below up to applyMu.
    mu          sync.Mutex
    log         *logstore.Log
    role        consensus.Role
    leaderTag   string
    commitIndex uint64
    applied     uint64
    topology    consensus.Topology
    lastContact time.Time
    leader      *leaderState
    applyErr    error
    // forwarded maps indexes of commands this node forwarded to a leader to
    // their request ids, until an entry is applied at that index.
    forwarded map[uint64]string
    // changed is closed and replaced whenever commit, apply, role or term
    // moves, waking every goroutine blocked on node state.
    changed chan struct{}

    // applyMu serializes state machine access: apply, snapshot, restore.
    applyMu sync.Mutex
    dedup   *lru.Cache

    leaderCh chan consensus.LeaderInfo

    ctx     context.Context
    cancel  context.CancelFunc
    g       *errgroup.Group
    wg      sync.WaitGroup
    started bool
    stopped bool
}

var (
    _ consensus.Consensus      = (*Node)(nil)
    _ consensus.LeaderNotifier = (*Node)(nil)
    _ consensus.Reconfigurer   = (*Node)(nil)
    _ consensus.Bootstrapper   = (*Node)(nil)
    _ consensus.ResultLookup   = (*Node)(nil)
    _ consensus.ForwardTracker = (*Node)(nil)
)

// New validates opts and builds a node. It performs no network activity.
func New(opts Options) (*Node, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    opts.setDefaults()
    dedup, err := lru.New(opts.DedupWindow)
    if err != nil { return nil, errors.Wrap(err, "rachis: dedup window") }
    n := &Node{
        opts:      opts,
        tag:       opts.Tag,
        logger:    opts.Logger,
        log:       opts.Log,
        dedup:     dedup,
        forwarded: map[uint64]string{},
        changed:   make(chan struct{}),
        leaderCh:  make(chan consensus.LeaderInfo, 16),
        role:      consensus.Passive,
    }
    return n, nil
}

func (n *Node) infof(f string, args ...any)  { logutil.Infof(n.logger, "[rachis %s] "+f, append([]any{n.tag}, args...)...) }
func (n *Node) warnf(f string, args ...any)  { logutil.Warnf(n.logger, "[rachis %s] "+f, append([]any{n.tag}, args...)...) }
func (n *Node) errorf(f string, args ...any) { logutil.Errorf(n.logger, "[rachis %s] "+f, append([]any{n.tag}, args...)...) }
func (n *Node) debugf(f string, args ...any) { logutil.Debugf(n.logger, "[rachis %s] "+f, append([]any{n.tag}, args...)...) }

// Start restores local state and launches the accept loop, the election timer
// and the applier.
func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    if n.started {
        n.mu.Unlock()
        return nil
    }
    n.started = true
    n.topology = n.log.Topology()
    n.ctx, n.cancel = context.WithCancel(context.WithoutCancel(ctx))
    n.mu.Unlock()

    if err := n.restoreLocalSnapshot(); err != nil { return err }

    n.mu.Lock()
    n.role = n.followerRoleLocked()
    n.lastContact = time.Now()
    n.publishStateLocked()
    role, term, last := n.role, n.log.CurrentTerm(), n.log.LastIndex()
    n.mu.Unlock()

    g, gctx := errgroup.WithContext(n.ctx)
    n.g = g
    g.Go(func() error { return n.acceptLoop(gctx) })
    g.Go(func() error { n.electionLoop(gctx); return nil })
    g.Go(func() error { n.applier(gctx); return nil })
    n.infof("started at %s (role=%s term=%d last=%d)", n.opts.URL, role, term, last)
    return nil
}

func (n *Node) restoreLocalSnapshot() error {
    h, state, _, ok, err := n.opts.Snapshots.Latest()
    if err != nil { return err }
    if !ok { return nil }
    defer state.Close()
    n.applyMu.Lock()
    defer n.applyMu.Unlock()
    if err := n.opts.StateMachine.Restore(state); err != nil {
        return errors.Wrapf(err, "rachis: restore local snapshot at %d", h.LastIncludedIndex)
    }
    n.mu.Lock()
    defer n.mu.Unlock()
    if truncIdx, _ := n.log.LastTruncated(); truncIdx < h.LastIncludedIndex {
        if err := n.log.ResetTo(h.LastIncludedIndex, h.LastIncludedTerm); err != nil { return err }
    }
    n.applied = h.LastIncludedIndex
    n.commitIndex = h.LastIncludedIndex
    if h.Topology.Etag >= n.topology.Etag && !h.Topology.Empty() { n.topology = h.Topology.Clone() }
    n.seedDedup(h.LastIncludedIndex, h.RequestIDs)
    n.infof("restored local snapshot at index %d term %d", h.LastIncludedIndex, h.LastIncludedTerm)
    return nil
}

func (n *Node) seedDedup(index uint64, ids []string) {
    n.dedup.Purge()
    for _, id := range ids { n.dedup.Add(id, appliedCmd{Index: index}) }
}

// Stop cancels all background work, closes the transport and the log.
func (n *Node) Stop() error {
    n.mu.Lock()
    if !n.started || n.stopped {
        n.mu.Unlock()
        return nil
    }
    n.stopped = true
    if n.role == consensus.Leader { n.stepDownLocked(0, "", "stopping") }
    n.mu.Unlock()

    n.cancel()
    _ = n.opts.Transport.Close()
    var err error
    if n.g != nil { err = n.g.Wait() }
    n.wg.Wait()
    if cerr := n.log.Close(); cerr != nil && err == nil { err = cerr }
    n.infof("stopped")
    return err
}

// Bootstrap creates a new single-member topology with this node as its only
// member and campaigns immediately.
func (n *Node) Bootstrap(ctx context.Context) error {
    n.mu.Lock()
    if !n.started {
        n.mu.Unlock()
        return consensus.InvalidOperationf("node %s is not started", n.tag)
    }
    if !n.topology.Empty() {
        n.mu.Unlock()
        return consensus.InvalidOperationf("node %s already belongs to topology %s", n.tag, n.topology.TopologyID)
    }
    t := consensus.Topology{TopologyID: uuid.NewString(), Members: map[string]string{n.tag: n.opts.URL}}
    if err := n.log.SetTopology(t); err != nil {
        n.mu.Unlock()
        return err
    }
    n.topology = t
    n.role = consensus.Follower
    n.publishStateLocked()
    n.mu.Unlock()
    n.infof("bootstrapped topology %s", t.TopologyID)
    n.campaign(ctx)
    return nil
}

// Tag returns this node's tag.
func (n *Node) Tag() string { return n.tag }

// URL returns the address peers use to reach this node.
func (n *Node) URL() string { return n.opts.URL }

// IsLeader reports whether this node currently leads.
func (n *Node) IsLeader() bool {
    n.mu.Lock(); defer n.mu.Unlock()
    return n.role == consensus.Leader
}

// Role returns the current role.
func (n *Node) Role() consensus.Role {
    n.mu.Lock(); defer n.mu.Unlock()
    return n.role
}

// Leader returns the known leader's tag and URL.
func (n *Node) Leader() (string, string, bool) {
    n.mu.Lock(); defer n.mu.Unlock()
    if n.leaderTag == "" { return "", "", false }
    url, _ := n.topology.URL(n.leaderTag)
    return n.leaderTag, url, true
}

// Term returns the current term.
func (n *Node) Term() uint64 {
    n.mu.Lock(); defer n.mu.Unlock()
    return n.log.CurrentTerm()
}

// Topology returns the topology in effect.
func (n *Node) Topology() consensus.Topology {
    n.mu.Lock(); defer n.mu.Unlock()
    return n.topology.Clone()
}

// LeaderCh delivers leader changes; updates are dropped when the reader lags.
func (n *Node) LeaderCh() <-chan consensus.LeaderInfo { return n.leaderCh }

// Status returns a point-in-time view of the node.
func (n *Node) Status() consensus.Status {
    n.mu.Lock(); defer n.mu.Unlock()
    s := consensus.Status{
        Tag:          n.tag,
        Role:         n.role,
        Term:         n.log.CurrentTerm(),
        LeaderTag:    n.leaderTag,
        CommitIndex:  n.commitIndex,
        AppliedIndex: n.applied,
        LastIndex:    n.log.LastIndex(),
        Topology:     n.topology.Clone(),
    }
    if n.applyErr != nil { s.ApplyFailure = n.applyErr.Error() }
    if n.leader != nil {
        s.Followers = make(map[string]consensus.Progress, len(n.leader.progress))
        for tag, pr := range n.leader.progress {
            s.Followers[tag] = consensus.Progress{NextIndex: pr.next, MatchIndex: pr.match, Snapshot: pr.snapshot, Connected: pr.connected}
        }
    }
    return s
}

// LogSummary returns a diagnostic view with up to max tail entries.
func (n *Node) LogSummary(max int) consensus.LogSummary {
    n.mu.Lock(); defer n.mu.Unlock()
    return n.log.Summary(n.commitIndex, max)
}

// WaitForCommitIndexChange blocks until the applied index reaches index.
func (n *Node) WaitForCommitIndexChange(ctx context.Context, index uint64) error {
    for {
        n.mu.Lock()
        if n.applied >= index {
            n.mu.Unlock()
            return nil
        }
        if n.applyErr != nil {
            err := n.applyErr
            n.mu.Unlock()
            return err
        }
        ch := n.changed
        n.mu.Unlock()
        select {
        case <-ctx.Done():
            return errors.Wrapf(ctx.Err(), "waiting for index %d", index)
        case <-ch:
        }
    }
}

// broadcastLocked wakes everything waiting on node state.
func (n *Node) broadcastLocked() {
    close(n.changed)
    n.changed = make(chan struct{})
}

func (n *Node) followerRoleLocked() consensus.Role {
    if n.topology.IsVoter(n.tag) { return consensus.Follower }
    return consensus.Passive
}

// setLeaderLocked records the known leader and notifies observers on change.
func (n *Node) setLeaderLocked(tag string) {
    if n.leaderTag == tag { return }
    n.leaderTag = tag
    if tag == "" { return }
    metrics.LeaderChanges.Inc()
    url, _ := n.topology.URL(tag)
    select {
    case n.leaderCh <- consensus.LeaderInfo{Tag: tag, URL: url, Term: n.log.CurrentTerm()}:
    default:
    }
}

func (n *Node) publishStateLocked() {
    metrics.Term.Set(float64(n.log.CurrentTerm()))
    metrics.SetRole(n.role.String())
    metrics.CommitIndex.Set(float64(n.commitIndex))
    metrics.AppliedIndex.Set(float64(n.applied))
    metrics.TopologyMembers.WithLabelValues("members").Set(float64(len(n.topology.Members)))
    metrics.TopologyMembers.WithLabelValues("promotables").Set(float64(len(n.topology.Promotables)))
    metrics.TopologyMembers.WithLabelValues("watchers").Set(float64(len(n.topology.Watchers)))
    n.broadcastLocked()
}

// becomeFollowerLocked moves to term (when higher) and follows leader.
func (n *Node) becomeFollowerLocked(term uint64, leader string) error {
    if term > n.log.CurrentTerm() {
        if err := n.log.SetTerm(term, ""); err != nil { return err }
    }
    if n.role == consensus.Leader {
        n.stepDownLocked(0, leader, "new leader observed")
        return nil
    }
    n.role = n.followerRoleLocked()
    n.setLeaderLocked(leader)
    n.publishStateLocked()
    return nil
}

// stepDownLocked leaves leadership (or candidacy). A non-zero term is
// persisted first. Waiters of commands this node originated and that are not
// committed yet are failed with ErrNotLeading; resubmitting with the same
// request id is safe.
func (n *Node) stepDownLocked(term uint64, leader, reason string) {
    if term > n.log.CurrentTerm() {
        if err := n.log.SetTerm(term, ""); err != nil { n.errorf("persist term %d: %v", term, err) }
    }
    if n.leader != nil {
        n.leader.cancel()
        for id, idx := range n.leader.inflight {
            if idx > n.commitIndex && n.opts.Waiters != nil {
                n.opts.Waiters.TrySetException(id, consensus.NotLeadingf("node %s stepped down before index %d committed: %s", n.tag, idx, reason))
            }
        }
        n.leader = nil
        n.infof("stepped down in term %d: %s", n.log.CurrentTerm(), reason)
    }
    n.role = n.followerRoleLocked()
    n.setLeaderLocked(leader)
    n.lastContact = time.Now()
    n.publishStateLocked()
}
