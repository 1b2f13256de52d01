package rachis

import (
    "context"
    "encoding/json"

    "github.com/cockroachdb/errors"
    "github.com/google/uuid"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/observability/metrics"
    "github.com/amirimatin/go-rachis/pkg/observability/tracing"
    "github.com/amirimatin/go-rachis/pkg/state"
)

// Submit appends cmd to the log and returns its index. Only the leader
// accepts commands. A request id already in the uncommitted tail or in the
// applied window returns the index it was first appended at. Submit blocks
// while MaxInFlight entries are uncommitted. Commands the state machine
// validates are checked before they reach the log.
func (n *Node) Submit(ctx context.Context, cmd consensus.Command) (idx uint64, err error) {
    if cmd.RequestID == "" { cmd.RequestID = uuid.NewString() }
    if cmd.Origin == "" { cmd.Origin = n.tag }
    ctx, end := tracing.StartSpan(ctx, "rachis.submit", "node", n.tag, "request", cmd.RequestID)
    defer end()
    result := "appended"
    defer func() {
        if err != nil {
            result = "rejected"
            tracing.RecordError(ctx, err)
        }
        metrics.Submits.WithLabelValues(result).Inc()
    }()

    n.mu.Lock()
    defer n.mu.Unlock()
    for {
        if n.applyErr != nil { return 0, n.applyErr }
        if n.role != consensus.Leader || n.leader == nil {
            return 0, consensus.NotLeadingf("node %s is %s; leader is %q", n.tag, n.role, n.leaderTag)
        }
        if i, ok := n.leader.inflight[cmd.RequestID]; ok {
            result = "duplicate"
            return i, nil
        }
        if prev, ok := n.dedup.Peek(cmd.RequestID); ok {
            result = "duplicate"
            ac := prev.(appliedCmd)
            if cmd.Origin == n.tag && n.opts.Waiters != nil { n.opts.Waiters.TrySetResult(cmd.RequestID, ac.Result) }
            return ac.Index, nil
        }
        if n.log.LastIndex()-n.commitIndex < uint64(n.opts.MaxInFlight) { break }
        ch := n.changed
        n.mu.Unlock()
        select {
        case <-ctx.Done():
            n.mu.Lock()
            return 0, errors.Wrap(ctx.Err(), "rachis: submit window full")
        case <-ch:
        }
        n.mu.Lock()
    }

    if v, ok := n.opts.StateMachine.(state.Validator); ok {
        if err := v.Validate(cmd.Type, cmd.Payload); err != nil {
            return 0, consensus.InvalidOperationf("command %s refused: %v", cmd.RequestID, err)
        }
    }

    e := consensus.Entry{
        Index:     n.log.LastIndex() + 1,
        Term:      n.leader.term,
        Flags:     consensus.FlagCommand,
        Type:      cmd.Type,
        RequestID: cmd.RequestID,
        Origin:    cmd.Origin,
        Payload:   cmd.Payload,
    }
    if err := n.log.Append(e); err != nil { return 0, err }
    n.leader.inflight[cmd.RequestID] = e.Index
    n.wakeReplicatorsLocked()
    n.advanceCommitLocked()
    n.debugf("appended %s %s at %d", cmd.Type, cmd.RequestID, e.Index)
    return e.Index, nil
}

// proposeTopologyLocked appends t as a topology entry. Only one topology
// change may be uncommitted at a time.
func (n *Node) proposeTopologyLocked(t consensus.Topology) (uint64, error) {
    if n.role != consensus.Leader || n.leader == nil {
        return 0, consensus.NotLeadingf("node %s cannot change the topology as %s", n.tag, n.role)
    }
    if n.leader.pendingTopology != 0 {
        return 0, consensus.Concurrencyf("topology change at %d is still pending", n.leader.pendingTopology)
    }
    idx := n.log.LastIndex() + 1
    t.Etag = idx
    payload, err := json.Marshal(t)
    if err != nil { return 0, errors.Wrap(err, "rachis: encode topology") }
    e := consensus.Entry{Index: idx, Term: n.leader.term, Flags: consensus.FlagTopology, Origin: n.tag, Payload: payload}
    if err := n.log.Append(e); err != nil { return 0, err }
    n.leader.pendingTopology = idx
    n.wakeReplicatorsLocked()
    n.advanceCommitLocked()
    return idx, nil
}

// modifyTopology proposes the result of edit and waits until it is applied.
func (n *Node) modifyTopology(ctx context.Context, what string, edit func(t *consensus.Topology) error) error {
    ctx, end := tracing.StartSpan(ctx, "rachis.topology", "node", n.tag, "change", what)
    defer end()
    n.mu.Lock()
    if n.applyErr != nil {
        err := n.applyErr
        n.mu.Unlock()
        return err
    }
    t := n.topology.Clone()
    if err := edit(&t); err != nil {
        n.mu.Unlock()
        return err
    }
    idx, err := n.proposeTopologyLocked(t)
    n.mu.Unlock()
    if err != nil {
        tracing.RecordError(ctx, err)
        return err
    }
    n.infof("proposed topology change at %d: %s", idx, what)
    return n.WaitForCommitIndexChange(ctx, idx)
}

func validateNode(tag, url string) error {
    if tag == "" || url == "" { return consensus.InvalidOperationf("node tag and url are required") }
    return nil
}

func removeTag(t *consensus.Topology, tag string) {
    delete(t.Members, tag)
    delete(t.Promotables, tag)
    delete(t.Watchers, tag)
}

// AddMember adds tag as a voting member.
func (n *Node) AddMember(ctx context.Context, tag, url string) error {
    if err := validateNode(tag, url); err != nil { return err }
    return n.modifyTopology(ctx, "add member "+tag, func(t *consensus.Topology) error {
        removeTag(t, tag)
        t.Members[tag] = url
        return nil
    })
}

// AddPromotable adds tag as a non-voting node that is promoted to member
// once it catches up with the commit index.
func (n *Node) AddPromotable(ctx context.Context, tag, url string) error {
    if err := validateNode(tag, url); err != nil { return err }
    return n.modifyTopology(ctx, "add promotable "+tag, func(t *consensus.Topology) error {
        if t.IsVoter(tag) { return consensus.InvalidOperationf("%s is already a member", tag) }
        removeTag(t, tag)
        t.Promotables[tag] = url
        return nil
    })
}

// AddWatcher adds tag as a node that only replicates.
func (n *Node) AddWatcher(ctx context.Context, tag, url string) error {
    if err := validateNode(tag, url); err != nil { return err }
    return n.modifyTopology(ctx, "add watcher "+tag, func(t *consensus.Topology) error {
        if t.IsVoter(tag) && len(t.Members) == 1 { return consensus.InvalidOperationf("cannot demote the last member %s", tag) }
        removeTag(t, tag)
        t.Watchers[tag] = url
        return nil
    })
}

// RemoveFromTopology removes tag from every section. Removing the leader
// makes it step down once the change is applied.
func (n *Node) RemoveFromTopology(ctx context.Context, tag string) error {
    return n.modifyTopology(ctx, "remove "+tag, func(t *consensus.Topology) error {
        if !t.Contains(tag) { return consensus.InvalidOperationf("%s is not in topology %s", tag, t.TopologyID) }
        if t.IsVoter(tag) && len(t.Members) == 1 { return consensus.InvalidOperationf("cannot remove the last member %s", tag) }
        removeTag(t, tag)
        return nil
    })
}
