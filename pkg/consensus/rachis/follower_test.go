package rachis

import (
    "context"
    "io"
    "log"
    "testing"

    "github.com/cockroachdb/errors"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/state/kv"
    "github.com/amirimatin/go-rachis/pkg/transport/memnet"
    "github.com/amirimatin/go-rachis/pkg/transport/wire"
    "github.com/amirimatin/go-rachis/pkg/waiter"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// bareNode is a node that is never started; handlers are driven directly.
func bareNode(t *testing.T) *Node {
    t.Helper()
    tr, err := memnet.New().Listen("f")
    require.NoError(t, err)
    n, err := New(Options{Tag: "f", Transport: tr, StateMachine: kv.New(), Waiters: waiter.New(), Logger: quietLogger()})
    require.NoError(t, err)
    n.topology = consensus.Topology{TopologyID: "t", Members: map[string]string{"f": "f", "l": "l", "c": "c"}}
    n.role = consensus.Follower
    return n
}

func cmdEntries(from, to, term uint64, origin string) []consensus.Entry {
    var out []consensus.Entry
    for i := from; i <= to; i++ {
        out = append(out, consensus.Entry{Index: i, Term: term, Flags: consensus.FlagCommand, Type: kv.OpPut, Origin: origin})
    }
    return out
}

var hints = wire.Features{BaseLine: true, LogSummaryHints: true}

func TestAppendEntries_MatchAndConflict(t *testing.T) {
    n := bareNode(t)

    resp, err := n.handleAppendEntries(hints, wire.AppendEntries{Term: 1, LeaderTag: "l", Entries: cmdEntries(1, 3, 1, "l")})
    require.NoError(t, err)
    require.True(t, resp.Success)
    require.Equal(t, uint64(3), resp.LastLogIndex)
    tag, _, ok := n.Leader()
    require.True(t, ok)
    require.Equal(t, "l", tag)

    // A gap is rejected with the follower's last index as hint.
    resp, err = n.handleAppendEntries(hints, wire.AppendEntries{Term: 1, LeaderTag: "l", PrevLogIndex: 5, PrevLogTerm: 1})
    require.NoError(t, err)
    require.False(t, resp.Success)
    require.Equal(t, uint64(3), resp.LastLogIndex)

    // Entry 3 was originated here; losing it fails its waiter.
    h, err := n.opts.Waiters.CreateTaskWithID("w")
    require.NoError(t, err)
    defer h.Release()
    n.mu.Lock()
    require.NoError(t, n.log.TruncateFrom(3))
    own := cmdEntries(3, 3, 1, "f")
    own[0].RequestID = "w"
    require.NoError(t, n.log.Append(own...))
    n.mu.Unlock()

    resp, err = n.handleAppendEntries(hints, wire.AppendEntries{
        Term: 2, LeaderTag: "l", PrevLogIndex: 1, PrevLogTerm: 1, LeaderCommit: 1,
        Entries: cmdEntries(2, 3, 2, "l"),
    })
    require.NoError(t, err)
    require.True(t, resp.Success)
    require.Equal(t, uint64(2), resp.Term)
    term, _ := n.log.TermAt(3)
    require.Equal(t, uint64(2), term)
    require.Equal(t, uint64(1), n.Status().CommitIndex)

    select {
    case <-h.Done():
    default:
        t.Fatal("waiter of the truncated entry is still pending")
    }
    _, err = h.Wait(context.Background())
    require.True(t, errors.Is(err, consensus.ErrNotLeading), "got %v", err)

    // Rewriting a committed entry is a protocol violation.
    _, err = n.handleAppendEntries(hints, wire.AppendEntries{Term: 3, LeaderTag: "l", Entries: cmdEntries(1, 1, 3, "l")})
    require.True(t, errors.Is(err, consensus.ErrInvalidOperation), "got %v", err)
}

func TestAppendEntries_StaleTermAndTwoLeaders(t *testing.T) {
    n := bareNode(t)
    require.NoError(t, n.log.SetTerm(3, ""))

    resp, err := n.handleAppendEntries(hints, wire.AppendEntries{Term: 2, LeaderTag: "l"})
    require.NoError(t, err)
    require.False(t, resp.Success)
    require.Equal(t, uint64(3), resp.Term)

    n.role = consensus.Leader
    _, err = n.handleAppendEntries(hints, wire.AppendEntries{Term: 3, LeaderTag: "l"})
    require.True(t, errors.Is(err, consensus.ErrInvalidOperation))
}

func TestAppendEntries_ConflictHintSkipsTerm(t *testing.T) {
    n := bareNode(t)
    _, err := n.handleAppendEntries(hints, wire.AppendEntries{Term: 1, LeaderTag: "l", Entries: cmdEntries(1, 2, 1, "l")})
    require.NoError(t, err)
    _, err = n.handleAppendEntries(hints, wire.AppendEntries{Term: 2, LeaderTag: "l", PrevLogIndex: 2, PrevLogTerm: 1, Entries: cmdEntries(3, 6, 2, "l")})
    require.NoError(t, err)

    resp, err := n.handleAppendEntries(hints, wire.AppendEntries{Term: 3, LeaderTag: "c", PrevLogIndex: 6, PrevLogTerm: 3})
    require.NoError(t, err)
    require.False(t, resp.Success)
    require.Equal(t, uint64(2), resp.LastLogIndex)

    // Without hints the follower reports its real last index.
    resp, err = n.handleAppendEntries(wire.Features{BaseLine: true}, wire.AppendEntries{Term: 3, LeaderTag: "c", PrevLogIndex: 6, PrevLogTerm: 3})
    require.NoError(t, err)
    require.Equal(t, uint64(6), resp.LastLogIndex)
}

func TestAppendEntries_MismatchAtLogStartIsMalformed(t *testing.T) {
    n := bareNode(t)
    _, err := n.handleAppendEntries(hints, wire.AppendEntries{Term: 1, LeaderTag: "l", PrevLogIndex: 0, PrevLogTerm: 7})
    require.True(t, errors.Is(err, consensus.ErrInvalidOperation), "%v", err)

    // The snapshot boundary is just as fixed as index 0.
    n.mu.Lock()
    require.NoError(t, n.log.ResetTo(5, 2))
    n.mu.Unlock()
    _, err = n.handleAppendEntries(hints, wire.AppendEntries{Term: 3, LeaderTag: "l", PrevLogIndex: 5, PrevLogTerm: 3})
    require.True(t, errors.Is(err, consensus.ErrInvalidOperation), "%v", err)

    resp, err := n.handleAppendEntries(hints, wire.AppendEntries{Term: 3, LeaderTag: "l", PrevLogIndex: 5, PrevLogTerm: 2, Entries: cmdEntries(6, 6, 3, "l")})
    require.NoError(t, err)
    require.True(t, resp.Success)
}

func TestRequestVote(t *testing.T) {
    n := bareNode(t)
    _, err := n.handleAppendEntries(hints, wire.AppendEntries{Term: 1, LeaderTag: "l", Entries: cmdEntries(1, 3, 1, "l")})
    require.NoError(t, err)

    resp := n.handleRequestVote(wire.RequestVote{Term: 2, CandidateTag: "c", LastLogIndex: 3, LastLogTerm: 1})
    require.True(t, resp.VoteGranted, resp.Message)
    require.Equal(t, "c", n.log.VotedFor())

    // Once per term.
    resp = n.handleRequestVote(wire.RequestVote{Term: 2, CandidateTag: "l", LastLogIndex: 9, LastLogTerm: 1})
    require.False(t, resp.VoteGranted)
    // Same candidate may ask again.
    resp = n.handleRequestVote(wire.RequestVote{Term: 2, CandidateTag: "c", LastLogIndex: 3, LastLogTerm: 1})
    require.True(t, resp.VoteGranted)

    // A shorter log loses even in a newer term, but the term is adopted.
    resp = n.handleRequestVote(wire.RequestVote{Term: 3, CandidateTag: "l", LastLogIndex: 2, LastLogTerm: 1})
    require.False(t, resp.VoteGranted)
    require.Equal(t, uint64(3), n.Term())

    // A higher last term wins over a longer log.
    resp = n.handleRequestVote(wire.RequestVote{Term: 4, CandidateTag: "l", LastLogIndex: 1, LastLogTerm: 2})
    require.True(t, resp.VoteGranted)

    resp = n.handleRequestVote(wire.RequestVote{Term: 5, CandidateTag: "x", LastLogIndex: 9, LastLogTerm: 9})
    require.False(t, resp.VoteGranted)
    require.Equal(t, "candidate is not a voting member", resp.Message)

    resp = n.handleRequestVote(wire.RequestVote{Term: 1, CandidateTag: "c", LastLogIndex: 9, LastLogTerm: 9})
    require.False(t, resp.VoteGranted)
    require.Equal(t, uint64(4), resp.Term)
}
