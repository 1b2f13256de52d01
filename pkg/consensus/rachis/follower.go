package rachis

import (
    "time"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/transport/wire"
)

// handleAppendEntries applies the log matching rules to one append. A
// non-nil error means the leader violated the protocol and the connection
// must be failed.
func (n *Node) handleAppendEntries(f wire.Features, req wire.AppendEntries) (wire.AppendEntriesResponse, error) {
    n.mu.Lock()
    defer n.mu.Unlock()
    cur := n.log.CurrentTerm()
    truncIdx, truncTerm := n.log.LastTruncated()
    reject := func(msg string, hint uint64) wire.AppendEntriesResponse {
        r := wire.AppendEntriesResponse{Term: n.log.CurrentTerm(), LastTruncatedIndex: truncIdx, Message: msg}
        if f.LogSummaryHints { r.LastLogIndex = hint } else { r.LastLogIndex = n.log.LastIndex() }
        return r
    }
    if req.Term < cur {
        return reject("stale term", n.log.LastIndex()), nil
    }
    if n.role == consensus.Leader && req.Term == cur {
        return wire.AppendEntriesResponse{}, consensus.InvalidOperationf("two leaders in term %d: %s and %s", cur, n.tag, req.LeaderTag)
    }
    if req.Term > cur || n.role != n.followerRoleLocked() || n.leaderTag != req.LeaderTag {
        if err := n.becomeFollowerLocked(req.Term, req.LeaderTag); err != nil { return wire.AppendEntriesResponse{}, err }
    }
    n.lastContact = time.Now()

    prevIdx, prevTerm, entries := req.PrevLogIndex, req.PrevLogTerm, req.Entries
    if prevIdx < truncIdx {
        // Everything through truncIdx is committed here; skip what we folded
        // into the snapshot.
        for len(entries) > 0 && entries[0].Index <= truncIdx { entries = entries[1:] }
        prevIdx, prevTerm = truncIdx, truncTerm
    }
    last := n.log.LastIndex()
    if prevIdx > last {
        return reject("missing entries", last), nil
    }
    if t, ok := n.log.TermAt(prevIdx); !ok || t != prevTerm {
        if prevIdx <= truncIdx {
            // Index 0 and the snapshot boundary are fixed points every
            // leader agrees on.
            return wire.AppendEntriesResponse{}, consensus.InvalidOperationf("append from %s claims term %d at %d, which is term %d here", req.LeaderTag, prevTerm, prevIdx, t)
        }
        // Skip back over the whole conflicting term; committed entries
        // always match.
        hint := prevIdx - 1
        for hint > n.commitIndex && hint > truncIdx {
            ht, _ := n.log.TermAt(hint)
            if ht != t { break }
            hint--
        }
        return reject("previous entry term mismatch", hint), nil
    }

    for i, e := range entries {
        if e.Index != prevIdx+uint64(i)+1 {
            return wire.AppendEntriesResponse{}, consensus.InvalidOperationf("append from %s is not contiguous at %d", req.LeaderTag, e.Index)
        }
        if e.Index <= n.log.LastIndex() {
            t, _ := n.log.TermAt(e.Index)
            if t == e.Term { continue }
            if e.Index <= n.commitIndex {
                return wire.AppendEntriesResponse{}, consensus.InvalidOperationf("leader %s conflicts with committed entry %d (term %d vs %d)", req.LeaderTag, e.Index, t, e.Term)
            }
            n.truncateLocked(e.Index)
        }
        if err := n.log.Append(entries[i:]...); err != nil { return wire.AppendEntriesResponse{}, err }
        break
    }

    lastNew := prevIdx + uint64(len(entries))
    if req.LeaderCommit > n.commitIndex {
        c := req.LeaderCommit
        if lastNew < c { c = lastNew }
        n.setCommitLocked(c)
    }
    return wire.AppendEntriesResponse{Term: n.log.CurrentTerm(), Success: true, LastLogIndex: n.log.LastIndex(), LastTruncatedIndex: truncIdx}, nil
}

// truncateLocked drops uncommitted entries from index on. Waiters of
// commands this node originated in the dropped range fail with
// ErrNotLeading; the request may be resubmitted.
func (n *Node) truncateLocked(from uint64) {
    last := n.log.LastIndex()
    if n.opts.Waiters != nil {
        for idx := from; idx <= last; idx++ {
            e, err := n.log.Entry(idx)
            if err != nil { break }
            if e.Flags == consensus.FlagCommand && e.Origin == n.tag && e.RequestID != "" {
                n.opts.Waiters.TrySetException(e.RequestID, consensus.NotLeadingf("entry %d (term %d) was overwritten by a new leader", idx, e.Term))
            }
        }
    }
    if err := n.log.TruncateFrom(from); err != nil {
        n.errorf("truncate from %d: %v", from, err)
        return
    }
    n.infof("truncated conflicting entries %d..%d", from, last)
}
