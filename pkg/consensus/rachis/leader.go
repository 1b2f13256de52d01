package rachis

import (
    "context"
    "time"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/observability/metrics"
    "github.com/amirimatin/go-rachis/pkg/transport/wire"
)

// leaderState exists only while this node leads a term.
type leaderState struct {
    term     uint64
    ctx      context.Context
    cancel   context.CancelFunc
    progress map[string]*progress
    // inflight maps request ids of uncommitted commands to their index.
    inflight map[string]uint64
    // pendingTopology is the index of an uncommitted topology entry, or 0.
    pendingTopology uint64
}

// progress is the replication state of one follower.
type progress struct {
    next      uint64
    match     uint64
    snapshot  bool
    connected bool
    notify    chan struct{}
    cancel    context.CancelFunc
}

func (p *progress) wake() {
    select {
    case p.notify <- struct{}{}:
    default:
    }
}

// becomeLeaderLocked takes leadership of term: appends the noop entry of the
// term, rebuilds the in-flight request map from the uncommitted tail and
// starts one replication driver per other node.
func (n *Node) becomeLeaderLocked(term uint64) {
    if n.role != consensus.Candidate || n.log.CurrentTerm() != term { return }
    ctx, cancel := context.WithCancel(n.ctx)
    ls := &leaderState{
        term:     term,
        ctx:      ctx,
        cancel:   cancel,
        progress: make(map[string]*progress),
        inflight: make(map[string]uint64),
    }
    for idx := n.commitIndex + 1; idx <= n.log.LastIndex(); idx++ {
        e, err := n.log.Entry(idx)
        if err != nil { break }
        switch e.Flags {
        case consensus.FlagCommand:
            if e.RequestID != "" { ls.inflight[e.RequestID] = idx }
        case consensus.FlagTopology:
            ls.pendingTopology = idx
        }
    }
    n.leader = ls
    n.role = consensus.Leader
    n.setLeaderLocked(n.tag)
    noop := consensus.Entry{Index: n.log.LastIndex() + 1, Term: term, Flags: consensus.FlagNoop, Origin: n.tag}
    if err := n.log.Append(noop); err != nil {
        n.errorf("append noop for term %d: %v", term, err)
        n.stepDownLocked(0, "", "cannot append noop")
        return
    }
    n.infof("became leader for term %d at index %d", term, noop.Index)
    n.reconcileReplicatorsLocked()
    n.advanceCommitLocked()
    n.publishStateLocked()
}

// reconcileReplicatorsLocked starts drivers for new topology nodes and stops
// drivers of removed ones.
func (n *Node) reconcileReplicatorsLocked() {
    ls := n.leader
    if ls == nil { return }
    want := map[string]bool{}
    for _, tag := range n.topology.AllNodes(n.tag) { want[tag] = true }
    for tag, pr := range ls.progress {
        if !want[tag] {
            pr.cancel()
            delete(ls.progress, tag)
        }
    }
    for tag := range want {
        if _, ok := ls.progress[tag]; ok { continue }
        ctx, cancel := context.WithCancel(ls.ctx)
        pr := &progress{next: n.log.LastIndex() + 1, notify: make(chan struct{}, 1), cancel: cancel}
        ls.progress[tag] = pr
        n.wg.Add(1)
        go func(tag string) {
            defer n.wg.Done()
            n.replicate(ctx, ls, tag, pr)
        }(tag)
    }
}

// wakeReplicatorsLocked nudges every driver to send without waiting for the
// heartbeat interval.
func (n *Node) wakeReplicatorsLocked() {
    if n.leader == nil { return }
    for _, pr := range n.leader.progress { pr.wake() }
}

// advanceCommitLocked moves the commit index to the highest index of the
// current term stored on a quorum of voting members. Entries of earlier terms
// are committed only indirectly.
func (n *Node) advanceCommitLocked() {
    ls := n.leader
    if ls == nil { return }
    quorum := n.topology.Quorum()
    for idx := n.log.LastIndex(); idx > n.commitIndex; idx-- {
        term, ok := n.log.TermAt(idx)
        if !ok || term < ls.term { return }
        if term != ls.term { continue }
        count := 0
        if n.topology.IsVoter(n.tag) { count++ }
        for tag := range n.topology.Members {
            if tag == n.tag { continue }
            if pr, ok := ls.progress[tag]; ok && pr.match >= idx { count++ }
        }
        if count >= quorum {
            n.setCommitLocked(idx)
            return
        }
    }
}

func (n *Node) setCommitLocked(idx uint64) {
    if idx <= n.commitIndex { return }
    n.commitIndex = idx
    if n.leader != nil {
        for id, i := range n.leader.inflight {
            if i <= idx { delete(n.leader.inflight, id) }
        }
    }
    n.wakeReplicatorsLocked()
    n.publishStateLocked()
}

// replicate drives one follower for the lifetime of ls.
func (n *Node) replicate(ctx context.Context, ls *leaderState, tag string, pr *progress) {
    backoff := n.opts.HeartbeatInterval
    for ctx.Err() == nil {
        n.mu.Lock()
        url, ok := n.topology.URL(tag)
        n.mu.Unlock()
        if !ok { return }
        conn, err := n.connect(ctx, tag, url, wire.MessageAppendEntries)
        if err == nil {
            n.setConnected(pr, true)
            err = n.appendStream(ctx, ls, tag, pr, conn)
            _ = conn.Close()
            n.setConnected(pr, false)
        }
        if err != nil && ctx.Err() == nil {
            n.debugf("replication to %s: %v", tag, err)
        }
        select {
        case <-ctx.Done():
            return
        case <-time.After(backoff):
        }
    }
}

func (n *Node) setConnected(pr *progress, v bool) {
    n.mu.Lock()
    pr.connected = v
    n.mu.Unlock()
}

// appendStream sends appends and heartbeats on conn until it fails or
// leadership ends.
func (n *Node) appendStream(ctx context.Context, ls *leaderState, tag string, pr *progress, conn *wire.Conn) error {
    defer conn.CloseOnDone(ctx)()
    for {
        n.mu.Lock()
        if n.leader != ls {
            n.mu.Unlock()
            return nil
        }
        next := pr.next
        prevIdx := next - 1
        prevTerm, ok := n.log.TermAt(prevIdx)
        if !ok || next < n.log.FirstIndex() {
            pr.snapshot = true
            n.mu.Unlock()
            if err := n.sendSnapshot(ctx, ls, tag, pr); err != nil { return err }
            continue
        }
        entries, err := n.log.Entries(next, n.opts.MaxAppendEntries)
        if err != nil {
            n.mu.Unlock()
            return err
        }
        req := wire.AppendEntries{
            Term:         ls.term,
            LeaderTag:    n.tag,
            PrevLogIndex: prevIdx,
            PrevLogTerm:  prevTerm,
            LeaderCommit: n.commitIndex,
            Entries:      entries,
        }
        n.mu.Unlock()

        _ = conn.SetDeadline(time.Now().Add(2 * n.opts.ElectionTimeout))
        if err := conn.WriteFrame(req); err != nil { return err }
        var resp wire.AppendEntriesResponse
        if err := conn.ReadFrame(&resp); err != nil { return err }

        n.mu.Lock()
        if resp.Term > n.log.CurrentTerm() {
            n.stepDownLocked(resp.Term, "", "follower "+tag+" has a higher term")
            n.mu.Unlock()
            return nil
        }
        if n.leader != ls {
            n.mu.Unlock()
            return nil
        }
        if resp.Success {
            if m := prevIdx + uint64(len(entries)); m > pr.match { pr.match = m }
            pr.next = pr.match + 1
            n.advanceCommitLocked()
            n.maybePromoteLocked(tag, pr)
        } else {
            metrics.AppendRejections.Inc()
            n.backOffLocked(conn.Features, pr, next, resp)
        }
        idle := resp.Success && pr.next > n.log.LastIndex() && req.LeaderCommit == n.commitIndex
        n.mu.Unlock()

        if !idle { continue }
        select {
        case <-ctx.Done():
            return nil
        case <-pr.notify:
        case <-time.After(n.opts.HeartbeatInterval):
        }
    }
}

// backOffLocked lowers next after a rejection: by one, or straight past the
// follower's log end when the connection negotiated log summary hints.
func (n *Node) backOffLocked(f wire.Features, pr *progress, next uint64, resp wire.AppendEntriesResponse) {
    switch {
    case f.LogSummaryHints && resp.LastLogIndex+1 < next:
        pr.next = resp.LastLogIndex + 1
    case next > 1:
        pr.next = next - 1
    default:
        pr.next = 1
    }
    if resp.LastTruncatedIndex > 0 && pr.next <= resp.LastTruncatedIndex {
        pr.next = resp.LastTruncatedIndex + 1
    }
    if pr.next <= pr.match { pr.next = pr.match + 1 }
}

// maybePromoteLocked turns a caught-up promotable into a voting member.
func (n *Node) maybePromoteLocked(tag string, pr *progress) {
    if _, ok := n.topology.Promotables[tag]; !ok { return }
    if pr.match < n.commitIndex || n.leader.pendingTopology != 0 { return }
    t := n.topology.Clone()
    t.Members[tag] = t.Promotables[tag]
    delete(t.Promotables, tag)
    if _, err := n.proposeTopologyLocked(t); err != nil {
        n.warnf("promote %s: %v", tag, err)
        return
    }
    n.infof("promoting %s to member (match=%d commit=%d)", tag, pr.match, n.commitIndex)
}
