package rachis

import (
    "context"
    "math/rand/v2"
    "time"

    "golang.org/x/sync/errgroup"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/observability/metrics"
    "github.com/amirimatin/go-rachis/pkg/transport/wire"
)

// randomTimeout returns a duration in [T, 2T).
func (n *Node) randomTimeout() time.Duration {
    t := n.opts.ElectionTimeout
    return t + rand.N(t)
}

// electionLoop campaigns whenever a voter has not heard from a leader for a
// randomized election timeout.
func (n *Node) electionLoop(ctx context.Context) {
    for {
        timeout := n.randomTimeout()
        select {
        case <-ctx.Done():
            return
        case <-time.After(timeout):
        }
        n.mu.Lock()
        due := (n.role == consensus.Follower || n.role == consensus.Candidate) &&
            time.Since(n.lastContact) >= timeout &&
            n.applyErr == nil
        n.mu.Unlock()
        if due {
            n.wg.Add(1)
            go func() {
                defer n.wg.Done()
                n.campaign(ctx)
            }()
        }
    }
}

// campaign runs one election in a new term.
func (n *Node) campaign(ctx context.Context) {
    n.mu.Lock()
    if !n.topology.IsVoter(n.tag) || n.role == consensus.Leader || n.applyErr != nil {
        n.mu.Unlock()
        return
    }
    term := n.log.CurrentTerm() + 1
    if err := n.log.SetTerm(term, n.tag); err != nil {
        n.mu.Unlock()
        n.errorf("persist candidacy for term %d: %v", term, err)
        return
    }
    n.role = consensus.Candidate
    n.setLeaderLocked("")
    n.lastContact = time.Now()
    lastIdx, lastTerm := n.log.LastIndexTerm()
    topo := n.topology.Clone()
    n.publishStateLocked()
    metrics.Elections.Inc()
    if topo.Quorum() <= 1 {
        n.becomeLeaderLocked(term)
        n.mu.Unlock()
        return
    }
    n.mu.Unlock()
    n.infof("starting election for term %d (last %d/%d)", term, lastIdx, lastTerm)

    req := wire.RequestVote{Term: term, CandidateTag: n.tag, LastLogIndex: lastIdx, LastLogTerm: lastTerm}
    ectx, cancel := context.WithTimeout(ctx, n.opts.ElectionTimeout)
    defer cancel()
    votes := 1
    g, gctx := errgroup.WithContext(ectx)
    for _, tag := range topo.Voters(n.tag) {
        tag, url := tag, topo.Members[tag]
        g.Go(func() error {
            resp, err := n.requestVote(gctx, tag, url, req)
            if err != nil {
                n.debugf("vote request to %s for term %d: %v", tag, term, err)
                return nil
            }
            n.mu.Lock()
            defer n.mu.Unlock()
            if resp.Term > n.log.CurrentTerm() {
                n.stepDownLocked(resp.Term, "", "higher term in vote response")
                cancel()
                return nil
            }
            if !resp.VoteGranted || n.role != consensus.Candidate || n.log.CurrentTerm() != term { return nil }
            votes++
            if votes >= topo.Quorum() {
                n.becomeLeaderLocked(term)
                cancel()
            }
            return nil
        })
    }
    _ = g.Wait()
}

// requestVote dials tag on a dedicated vote connection.
func (n *Node) requestVote(ctx context.Context, tag, url string, req wire.RequestVote) (wire.RequestVoteResponse, error) {
    var resp wire.RequestVoteResponse
    conn, err := n.connect(ctx, tag, url, wire.MessageRequestVote)
    if err != nil { return resp, err }
    defer conn.Close()
    defer conn.CloseOnDone(ctx)()
    if err := conn.WriteFrame(req); err != nil { return resp, err }
    err = conn.ReadFrame(&resp)
    return resp, err
}

// handleRequestVote decides on a vote. A vote is granted at most once per
// term, and only to a candidate whose log is at least as up to date: higher
// last term, or equal last term and index not lower.
func (n *Node) handleRequestVote(req wire.RequestVote) wire.RequestVoteResponse {
    n.mu.Lock()
    defer n.mu.Unlock()
    cur := n.log.CurrentTerm()
    if req.Term < cur {
        return wire.RequestVoteResponse{Term: cur, Message: "stale term"}
    }
    if !n.topology.IsVoter(req.CandidateTag) {
        return wire.RequestVoteResponse{Term: cur, Message: "candidate is not a voting member"}
    }
    if req.Term > cur {
        n.stepDownLocked(req.Term, "", "higher term in vote request")
        cur = req.Term
    }
    if voted := n.log.VotedFor(); voted != "" && voted != req.CandidateTag {
        return wire.RequestVoteResponse{Term: cur, Message: "already voted for " + voted}
    }
    lastIdx, lastTerm := n.log.LastIndexTerm()
    if req.LastLogTerm < lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex < lastIdx) {
        return wire.RequestVoteResponse{Term: cur, Message: "candidate log is behind"}
    }
    if err := n.log.SetTerm(cur, req.CandidateTag); err != nil {
        return wire.RequestVoteResponse{Term: cur, Message: err.Error()}
    }
    n.lastContact = time.Now()
    n.debugf("granted vote to %s for term %d", req.CandidateTag, cur)
    return wire.RequestVoteResponse{Term: cur, VoteGranted: true}
}
