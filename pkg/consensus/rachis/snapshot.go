package rachis

import (
    "context"
    "io"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/dustin/go-humanize"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/observability/metrics"
    "github.com/amirimatin/go-rachis/pkg/observability/tracing"
    "github.com/amirimatin/go-rachis/pkg/snapshot"
    "github.com/amirimatin/go-rachis/pkg/transport/wire"
)

// sendSnapshot streams the latest local snapshot to tag on a dedicated
// connection and resumes replication after its last included index.
func (n *Node) sendSnapshot(ctx context.Context, ls *leaderState, tag string, pr *progress) (err error) {
    ctx, end := tracing.StartSpan(ctx, "rachis.snapshot.send", "node", n.tag, "follower", tag)
    defer end()
    defer func() { tracing.RecordError(ctx, err) }()

    if err := n.ensureSnapshot(); err != nil { return err }
    n.mu.Lock()
    url, ok := n.topology.URL(tag)
    n.mu.Unlock()
    if !ok { return consensus.TopologyChangedf("%s left the topology", tag) }

    conn, err := n.connect(ctx, tag, url, wire.MessageInstallSnapshot)
    if err != nil { return err }
    defer conn.Close()
    defer conn.CloseOnDone(ctx)()

    if err := conn.WriteFrame(wire.InstallSnapshot{Term: ls.term, LeaderTag: n.tag}); err != nil { return err }
    var ack wire.InstallSnapshotResponse
    if err := conn.ReadFrame(&ack); err != nil { return err }
    if n.observeTerm(ack.CurrentTerm, tag) || ack.Done {
        return consensus.NotLeadingf("%s refused snapshot in term %d", tag, ack.CurrentTerm)
    }

    h, state, size, ok, err := n.opts.Snapshots.Latest()
    if err != nil { return err }
    if !ok { return errors.AssertionFailedf("snapshot store emptied during transfer to %s", tag) }
    defer state.Close()

    start := time.Now()
    written, err := snapshot.WriteTo(ctx, conn.Writer(), h, state, size, conn.Features)
    if err != nil { return err }
    if err := conn.Flush(); err != nil { return err }

    var done wire.InstallSnapshotResponse
    if err := conn.ReadFrame(&done); err != nil { return err }
    if n.observeTerm(done.CurrentTerm, tag) { return nil }
    if !done.Done { return consensus.InvalidOperationf("%s did not confirm snapshot %d", tag, h.LastIncludedIndex) }

    metrics.SnapshotsSent.Inc()
    metrics.SnapshotBytes.WithLabelValues("sent").Add(float64(written))
    n.infof("sent snapshot %d/%d to %s (%s in %s)", h.LastIncludedIndex, h.LastIncludedTerm, tag,
        humanize.Bytes(uint64(written)), time.Since(start).Round(time.Millisecond))

    n.mu.Lock()
    defer n.mu.Unlock()
    if n.leader != ls { return nil }
    if h.LastIncludedIndex > pr.match { pr.match = h.LastIncludedIndex }
    pr.next = pr.match + 1
    pr.snapshot = false
    n.advanceCommitLocked()
    return nil
}

// observeTerm steps down when a peer reports a higher term.
func (n *Node) observeTerm(term uint64, from string) bool {
    n.mu.Lock()
    defer n.mu.Unlock()
    if term <= n.log.CurrentTerm() { return false }
    n.stepDownLocked(term, "", from+" has a higher term")
    return true
}

// ensureSnapshot produces a snapshot when the log has been compacted but the
// store holds nothing, as after a restart with a volatile store.
func (n *Node) ensureSnapshot() error {
    _, state, _, ok, err := n.opts.Snapshots.Latest()
    if err != nil { return err }
    if ok {
        _ = state.Close()
        return nil
    }
    n.applyMu.Lock()
    defer n.applyMu.Unlock()
    return n.snapshotLocked()
}

// snapshotLocked writes the state machine at the applied index to the store.
// The caller holds applyMu.
func (n *Node) snapshotLocked() error {
    n.mu.Lock()
    idx := n.applied
    term, ok := n.log.TermAt(idx)
    topo := n.topology.Clone()
    n.mu.Unlock()
    if !ok { return errors.AssertionFailedf("no term for applied index %d", idx) }
    h := snapshot.Header{LastIncludedIndex: idx, LastIncludedTerm: term, Topology: topo, RequestIDs: n.dedupIDs()}
    return n.opts.Snapshots.Create(h, n.opts.StateMachine.Snapshot)
}

func (n *Node) dedupIDs() []string {
    keys := n.dedup.Keys()
    out := make([]string, 0, len(keys))
    for _, k := range keys {
        if s, ok := k.(string); ok { out = append(out, s) }
    }
    return out
}

// maybeCompact folds applied entries into a snapshot once enough accumulate.
// The caller holds applyMu.
func (n *Node) maybeCompact() {
    if n.opts.SnapshotThreshold < 0 { return }
    n.mu.Lock()
    due := n.applied >= n.log.FirstIndex() && n.applied-n.log.FirstIndex()+1 >= uint64(n.opts.SnapshotThreshold)
    n.mu.Unlock()
    if !due { return }
    if err := n.snapshotLocked(); err != nil {
        n.warnf("snapshot for compaction: %v", err)
        return
    }
    n.mu.Lock()
    defer n.mu.Unlock()
    upTo := n.applied
    h, state, _, ok, err := n.opts.Snapshots.Latest()
    if err == nil && ok {
        _ = state.Close()
        upTo = h.LastIncludedIndex
    }
    if err := n.log.Compact(upTo); err != nil {
        n.warnf("compact through %d: %v", upTo, err)
        return
    }
    n.infof("compacted log through %d", upTo)
}

// serveInstallSnapshot receives one snapshot from the leader. On any failure
// the node keeps its previous state and the leader retries.
func (n *Node) serveInstallSnapshot(ctx context.Context, conn *wire.Conn) (err error) {
    ctx, end := tracing.StartSpan(ctx, "rachis.snapshot.install", "node", n.tag)
    defer end()
    defer func() { tracing.RecordError(ctx, err) }()

    var req wire.InstallSnapshot
    if err := conn.ReadFrame(&req); err != nil { return err }
    n.mu.Lock()
    cur := n.log.CurrentTerm()
    if req.Term < cur {
        n.mu.Unlock()
        return conn.WriteFrame(wire.InstallSnapshotResponse{Done: true, CurrentTerm: cur, LastLogIndex: n.log.LastIndex(), Message: "stale term"})
    }
    if err := n.becomeFollowerLocked(req.Term, req.LeaderTag); err != nil {
        n.mu.Unlock()
        return err
    }
    n.lastContact = time.Now()
    cur = n.log.CurrentTerm()
    n.mu.Unlock()
    if err := conn.WriteFrame(wire.InstallSnapshotResponse{CurrentTerm: cur}); err != nil { return err }

    buf := snapshot.NewBuffer()
    defer buf.Release()
    r := snapshot.NewStreamReader(ctx, conn.Reader(), buf)
    h, stateLen, err := snapshot.ReadHeader(r, conn.Features)
    if err != nil { return err }
    _ = conn.SetDeadline(time.Time{})

    if err := n.installSnapshot(h, &contactReader{r: snapshot.StateReader(r, stateLen), n: n}); err != nil { return err }
    metrics.SnapshotBytes.WithLabelValues("received").Add(float64(stateLen))
    metrics.SnapshotsInstalled.Inc()

    n.mu.Lock()
    resp := wire.InstallSnapshotResponse{Done: true, CurrentTerm: n.log.CurrentTerm(), LastLogIndex: n.log.LastIndex()}
    n.lastContact = time.Now()
    n.mu.Unlock()
    n.infof("installed snapshot %d/%d from %s (%s)", h.LastIncludedIndex, h.LastIncludedTerm, req.LeaderTag, humanize.Bytes(uint64(stateLen)))
    return conn.WriteFrame(resp)
}

// installSnapshot persists the incoming state, restores the state machine
// from it and restarts the log after the last included index. The store is
// written first so a failed transfer leaves the previous snapshot intact.
func (n *Node) installSnapshot(h snapshot.Header, incoming io.Reader) error {
    n.applyMu.Lock()
    defer n.applyMu.Unlock()

    n.mu.Lock()
    applied := n.applied
    n.mu.Unlock()
    if h.LastIncludedIndex <= applied {
        n.debugf("ignoring snapshot %d, already applied %d", h.LastIncludedIndex, applied)
        _, err := io.Copy(io.Discard, incoming)
        return err
    }

    err := n.opts.Snapshots.Create(h, func(w io.Writer) error {
        _, err := io.Copy(w, incoming)
        return err
    })
    if err != nil { return err }
    _, state, _, ok, err := n.opts.Snapshots.Latest()
    if err != nil { return err }
    if !ok { return errors.AssertionFailedf("snapshot %d vanished before restore", h.LastIncludedIndex) }
    defer state.Close()
    stop := n.holdContact()
    err = n.opts.StateMachine.Restore(state)
    stop()
    if err != nil { return errors.Wrapf(err, "restore snapshot %d", h.LastIncludedIndex) }

    n.mu.Lock()
    defer n.mu.Unlock()
    // A matching entry at the snapshot index keeps the suffix after it.
    if t, ok := n.log.TermAt(h.LastIncludedIndex); ok && t == h.LastIncludedTerm && h.LastIncludedIndex <= n.log.LastIndex() {
        if err := n.log.Compact(h.LastIncludedIndex); err != nil { return err }
    } else {
        if err := n.log.ResetTo(h.LastIncludedIndex, h.LastIncludedTerm); err != nil { return err }
        if n.commitIndex > h.LastIncludedIndex { n.commitIndex = h.LastIncludedIndex }
    }
    n.applied = h.LastIncludedIndex
    if h.LastIncludedIndex > n.commitIndex { n.commitIndex = h.LastIncludedIndex }
    var lost []string
    for idx, id := range n.forwarded {
        if idx > h.LastIncludedIndex { continue }
        delete(n.forwarded, idx)
        lost = append(lost, id)
    }
    if len(lost) > 0 {
        // Whether they were applied is only known to the dedup window.
        defer func() {
            for _, id := range lost { n.failForwarded(id, h.LastIncludedIndex) }
        }()
    }
    if !h.Topology.Empty() {
        n.applyTopologyLocked(h.Topology)
    }
    if len(h.RequestIDs) > 0 { n.seedDedup(h.LastIncludedIndex, h.RequestIDs) }
    n.applyErr = nil
    n.publishStateLocked()
    return nil
}

// touchContact records that the leader is still talking to this node.
func (n *Node) touchContact() {
    n.mu.Lock()
    n.lastContact = time.Now()
    n.mu.Unlock()
}

// contactReader counts every chunk of an incoming snapshot as leader
// contact, so a long transfer does not trigger an election.
type contactReader struct {
    r io.Reader
    n *Node
}

func (c *contactReader) Read(p []byte) (int, error) {
    k, err := c.r.Read(p)
    if k > 0 { c.n.touchContact() }
    return k, err
}

// holdContact keeps the election timer quiet while a received snapshot is
// restored locally. The returned func stops it.
func (n *Node) holdContact() func() {
    done := make(chan struct{})
    n.wg.Add(1)
    go func() {
        defer n.wg.Done()
        t := time.NewTicker(n.opts.ElectionTimeout / 3)
        defer t.Stop()
        for {
            select {
            case <-done:
                return
            case <-t.C:
                n.touchContact()
            }
        }
    }()
    return func() { close(done) }
}
