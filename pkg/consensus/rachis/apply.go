package rachis

import (
    "context"
    "encoding/json"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/consensus/logstore"
)

// applier applies committed entries strictly in index order.
func (n *Node) applier(ctx context.Context) {
    for {
        n.mu.Lock()
        ch := n.changed
        pending := n.applied < n.commitIndex && n.applyErr == nil
        n.mu.Unlock()
        if pending {
            n.applyCommitted(ctx)
            continue
        }
        select {
        case <-ctx.Done():
            return
        case <-ch:
        }
    }
}

// applyCommitted applies everything committed so far, then compacts if due.
func (n *Node) applyCommitted(ctx context.Context) {
    n.applyMu.Lock()
    defer n.applyMu.Unlock()
    for ctx.Err() == nil {
        n.mu.Lock()
        if n.applied >= n.commitIndex || n.applyErr != nil {
            n.mu.Unlock()
            break
        }
        idx := n.applied + 1
        e, err := n.log.Entry(idx)
        n.mu.Unlock()
        if err != nil {
            if errors.Is(err, logstore.ErrNotFound) {
                // Folded into a snapshot installed meanwhile.
                n.debugf("entry %d no longer in the log", idx)
                break
            }
            n.errorf("read committed entry %d: %v", idx, err)
            return
        }
        if err := n.applyEntry(ctx, idx, e); err != nil {
            if errors.Is(err, consensus.ErrConcurrency) {
                n.debugf("%v", err)
                continue
            }
            return
        }
    }
    n.maybeCompact()
}

// applyEntry applies one entry expected at index expected. The caller holds
// applyMu; a mismatch with the applied index means another path (snapshot
// install) moved the state and is reported as a concurrency error.
func (n *Node) applyEntry(ctx context.Context, expected uint64, e consensus.Entry) error {
    n.mu.Lock()
    if n.applied+1 != expected || e.Index != expected {
        applied := n.applied
        n.mu.Unlock()
        return consensus.Concurrencyf("apply of entry %d rejected: applied index is %d", e.Index, applied)
    }
    n.mu.Unlock()

    var (
        result []byte
        err    error
        dup    bool
    )
    switch e.Flags {
    case consensus.FlagNoop:
    case consensus.FlagTopology:
        var t consensus.Topology
        if err = json.Unmarshal(e.Payload, &t); err == nil {
            n.mu.Lock()
            t.Etag = e.Index
            n.applyTopologyLocked(t)
            n.mu.Unlock()
        }
    case consensus.FlagCommand:
        if e.RequestID != "" {
            if prev, ok := n.dedup.Get(e.RequestID); ok {
                result, dup = prev.(appliedCmd).Result, true
                n.debugf("skipping duplicate request %s at %d (applied at %d)", e.RequestID, e.Index, prev.(appliedCmd).Index)
            }
        }
        if !dup {
            result, err = n.opts.StateMachine.Apply(ctx, e)
            if err == nil && e.RequestID != "" {
                n.dedup.Add(e.RequestID, appliedCmd{Index: e.Index, Result: result})
            }
        }
    default:
        err = errors.AssertionFailedf("entry %d has invalid flags %d", e.Index, e.Flags)
    }

    n.mu.Lock()
    displaced := n.takeForwardedLocked(e)
    if displaced != "" { defer n.failForwarded(displaced, e.Index) }
    if err != nil {
        n.applyErr = consensus.ApplyError(err, e.Index)
        n.errorf("apply failed, applier halted until resolved: %v", n.applyErr)
        if n.role == consensus.Leader || n.role == consensus.Candidate {
            n.stepDownLocked(0, "", "apply failure")
        } else {
            n.publishStateLocked()
        }
        applyErr := n.applyErr
        n.mu.Unlock()
        n.resolveWaiter(e, nil, applyErr)
        return applyErr
    }
    n.applied = e.Index
    if n.leader != nil && e.RequestID != "" { delete(n.leader.inflight, e.RequestID) }
    n.publishStateLocked()
    n.mu.Unlock()
    if e.Flags == consensus.FlagCommand { n.resolveWaiter(e, result, nil) }
    return nil
}

// resolveWaiter completes the waiter of a command originated by this node.
func (n *Node) resolveWaiter(e consensus.Entry, result []byte, err error) {
    if n.opts.Waiters == nil || e.Origin != n.tag || e.RequestID == "" { return }
    if err != nil {
        n.opts.Waiters.TrySetException(e.RequestID, err)
        return
    }
    n.opts.Waiters.TrySetResult(e.RequestID, result)
}

// TrackForwarded watches index for the command requestID, which this node
// originated and a leader appended. Leadership may be lost before the entry
// reaches this node; the waiter then fails once another entry is applied at
// index, or the index is folded into an installed snapshot.
func (n *Node) TrackForwarded(requestID string, index uint64) {
    n.mu.Lock()
    if index > n.applied {
        n.forwarded[index] = requestID
        n.mu.Unlock()
        return
    }
    e, err := n.log.Entry(index)
    n.mu.Unlock()
    if err == nil && e.RequestID == requestID { return }
    n.failForwarded(requestID, index)
}

// takeForwardedLocked stops tracking e's index and returns the request id
// that expected it, when e is a different entry.
func (n *Node) takeForwardedLocked(e consensus.Entry) string {
    id, ok := n.forwarded[e.Index]
    if !ok { return "" }
    delete(n.forwarded, e.Index)
    if id == e.RequestID { return "" }
    return id
}

func (n *Node) failForwarded(requestID string, index uint64) {
    if n.opts.Waiters == nil { return }
    n.opts.Waiters.TrySetException(requestID, consensus.NotLeadingf("request %s lost index %d to another entry", requestID, index))
}

// applyTopologyLocked makes t the topology in effect and adjusts this node's
// role to its new position.
func (n *Node) applyTopologyLocked(t consensus.Topology) {
    if t.Etag < n.topology.Etag && t.TopologyID == n.topology.TopologyID { return }
    if err := n.log.SetTopology(t); err != nil {
        n.errorf("persist topology %d: %v", t.Etag, err)
    }
    n.topology = t.Clone()
    if n.leader != nil && n.leader.pendingTopology <= t.Etag { n.leader.pendingTopology = 0 }

    switch n.role {
    case consensus.Leader:
        if !t.IsVoter(n.tag) {
            n.warnf("%v", consensus.TopologyChangedf("leader %s is no longer a voting member (etag %d)", n.tag, t.Etag))
            n.stepDownLocked(0, "", "removed from voting members")
            return
        }
        n.reconcileReplicatorsLocked()
    case consensus.Candidate:
        if !t.IsVoter(n.tag) { n.role = consensus.Passive }
    default:
        n.role = n.followerRoleLocked()
    }
    n.publishStateLocked()
}

// ResolveApplyFailure resumes a node halted by a state machine error. With
// skip the failed entry is treated as applied; otherwise it is retried.
func (n *Node) ResolveApplyFailure(skip bool) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.applyErr == nil { return consensus.InvalidOperationf("node %s has no apply failure", n.tag) }
    if skip {
        n.applied++
        n.warnf("skipping entry %d after apply failure", n.applied)
    }
    n.applyErr = nil
    n.publishStateLocked()
    return nil
}

// AppliedResult reports whether requestID is in the dedup window and the
// result it was applied with.
func (n *Node) AppliedResult(requestID string) ([]byte, bool) {
    v, ok := n.dedup.Peek(requestID)
    if !ok { return nil, false }
    return v.(appliedCmd).Result, true
}
