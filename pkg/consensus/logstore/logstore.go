// Package logstore persists the replicated log, the term and the vote of a
// node on top of the hashicorp/raft storage interfaces.
package logstore

import (
    "encoding/json"
    "io"
    "os"
    "path/filepath"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    "github.com/amirimatin/go-rachis/pkg/consensus"
)

var (
    keyCurrentTerm        = []byte("CurrentTerm")
    keyVotedFor           = []byte("VotedFor")
    keyLastTruncatedIndex = []byte("LastTruncatedIndex")
    keyLastTruncatedTerm  = []byte("LastTruncatedTerm")
    keyTopology           = []byte("Topology")
)

// Log is the persistent log of one node. It is not safe for concurrent use;
// the consensus engine serializes access under its node lock.
type Log struct {
    logs   raft.LogStore
    stable raft.StableStore
    closer io.Closer

    term          uint64
    votedFor      string
    lastTruncIdx  uint64
    lastTruncTerm uint64
    topology      consensus.Topology
}

// New builds a Log over existing stores and loads the persisted header.
func New(logs raft.LogStore, stable raft.StableStore, closer io.Closer) (*Log, error) {
    l := &Log{logs: logs, stable: stable, closer: closer}
    var err error
    if l.term, err = l.getUint64(keyCurrentTerm); err != nil { return nil, err }
    if l.lastTruncIdx, err = l.getUint64(keyLastTruncatedIndex); err != nil { return nil, err }
    if l.lastTruncTerm, err = l.getUint64(keyLastTruncatedTerm); err != nil { return nil, err }
    vote, err := l.get(keyVotedFor)
    if err != nil { return nil, err }
    l.votedFor = string(vote)
    topo, err := l.get(keyTopology)
    if err != nil { return nil, err }
    if len(topo) > 0 {
        if err := json.Unmarshal(topo, &l.topology); err != nil {
            return nil, errors.Wrap(err, "logstore: decode topology")
        }
    }
    return l, nil
}

// NewInmem returns a volatile log backed by raft.InmemStore.
func NewInmem() *Log {
    s := raft.NewInmemStore()
    l, _ := New(s, s, nil)
    return l
}

// OpenBolt opens (or creates) a durable log under dir using raft-boltdb.
func OpenBolt(dir string) (*Log, error) {
    if err := os.MkdirAll(dir, 0o755); err != nil { return nil, errors.Wrap(err, "logstore: mkdir") }
    bs, err := raftboltdb.NewBoltStore(filepath.Join(dir, "rachis.db"))
    if err != nil { return nil, errors.Wrap(err, "logstore: open bolt") }
    l, err := New(bs, bs, bs)
    if err != nil {
        _ = bs.Close()
        return nil, err
    }
    return l, nil
}

// Close releases the underlying store.
func (l *Log) Close() error {
    if l.closer == nil { return nil }
    return l.closer.Close()
}

func isNotFound(err error) bool {
    return err != nil && (errors.Is(err, raftboltdb.ErrKeyNotFound) || err.Error() == "not found")
}

func (l *Log) get(key []byte) ([]byte, error) {
    v, err := l.stable.Get(key)
    if isNotFound(err) { return nil, nil }
    if err != nil { return nil, errors.Wrapf(err, "logstore: get %s", key) }
    return v, nil
}

func (l *Log) getUint64(key []byte) (uint64, error) {
    v, err := l.stable.GetUint64(key)
    if isNotFound(err) { return 0, nil }
    if err != nil { return 0, errors.Wrapf(err, "logstore: get %s", key) }
    return v, nil
}

// CurrentTerm returns the persisted term.
func (l *Log) CurrentTerm() uint64 { return l.term }

// VotedFor returns the tag voted for in CurrentTerm, or "".
func (l *Log) VotedFor() string { return l.votedFor }

// SetTerm persists a new term and vote. The term never decreases, and a vote
// cannot change within a term.
func (l *Log) SetTerm(term uint64, votedFor string) error {
    if term < l.term {
        return consensus.Concurrencyf("term cannot go backwards: %d < %d", term, l.term)
    }
    if term == l.term && l.votedFor != "" && votedFor != l.votedFor {
        return consensus.Concurrencyf("already voted for %q in term %d", l.votedFor, term)
    }
    if err := l.stable.SetUint64(keyCurrentTerm, term); err != nil { return errors.Wrap(err, "logstore: persist term") }
    if err := l.stable.Set(keyVotedFor, []byte(votedFor)); err != nil { return errors.Wrap(err, "logstore: persist vote") }
    l.term, l.votedFor = term, votedFor
    return nil
}

// Topology returns the last persisted topology.
func (l *Log) Topology() consensus.Topology { return l.topology.Clone() }

// SetTopology persists the topology in effect.
func (l *Log) SetTopology(t consensus.Topology) error {
    b, err := json.Marshal(t)
    if err != nil { return errors.Wrap(err, "logstore: encode topology") }
    if err := l.stable.Set(keyTopology, b); err != nil { return errors.Wrap(err, "logstore: persist topology") }
    l.topology = t.Clone()
    return nil
}

// LastTruncated returns the index and term of the last entry folded into a
// snapshot.
func (l *Log) LastTruncated() (uint64, uint64) { return l.lastTruncIdx, l.lastTruncTerm }

// FirstIndex is the first index still present, or LastTruncated+1 when the
// log is empty.
func (l *Log) FirstIndex() uint64 {
    first, err := l.logs.FirstIndex()
    if err != nil || first == 0 || first <= l.lastTruncIdx { return l.lastTruncIdx + 1 }
    return first
}

// LastIndex is the index of the last entry, or LastTruncated when empty.
func (l *Log) LastIndex() uint64 {
    last, err := l.logs.LastIndex()
    if err != nil || last < l.lastTruncIdx { return l.lastTruncIdx }
    return last
}

// LastIndexTerm returns the last index and its term.
func (l *Log) LastIndexTerm() (uint64, uint64) {
    idx := l.LastIndex()
    t, _ := l.TermAt(idx)
    return idx, t
}

// TermAt returns the term of index. Index 0 has term 0; the last truncated
// index answers from the snapshot header.
func (l *Log) TermAt(index uint64) (uint64, bool) {
    switch {
    case index == 0:
        return 0, true
    case index == l.lastTruncIdx:
        return l.lastTruncTerm, true
    case index < l.lastTruncIdx:
        return 0, false
    }
    var rl raft.Log
    if err := l.logs.GetLog(index, &rl); err != nil { return 0, false }
    return rl.Term, true
}

// Entry reads one entry.
func (l *Log) Entry(index uint64) (consensus.Entry, error) {
    var rl raft.Log
    if err := l.logs.GetLog(index, &rl); err != nil {
        if errors.Is(err, raft.ErrLogNotFound) {
            return consensus.Entry{}, errors.Mark(errors.Wrapf(err, "entry %d", index), ErrNotFound)
        }
        return consensus.Entry{}, errors.Wrapf(err, "logstore: read entry %d", index)
    }
    return fromRaft(&rl)
}

// ErrNotFound marks reads of compacted or missing entries.
var ErrNotFound = errors.New("logstore: entry not found")

// Entries returns up to max entries starting at from.
func (l *Log) Entries(from uint64, max int) ([]consensus.Entry, error) {
    last := l.LastIndex()
    if from < l.FirstIndex() || from > last { return nil, nil }
    out := make([]consensus.Entry, 0, min(int(last-from+1), max))
    for i := from; i <= last && len(out) < max; i++ {
        e, err := l.Entry(i)
        if err != nil { return out, err }
        out = append(out, e)
    }
    return out, nil
}

// Append stores entries, which must continue the log contiguously.
func (l *Log) Append(entries ...consensus.Entry) error {
    if len(entries) == 0 { return nil }
    next := l.LastIndex() + 1
    logs := make([]*raft.Log, 0, len(entries))
    for i, e := range entries {
        if e.Index != next+uint64(i) {
            return consensus.InvalidOperationf("non-contiguous append: got index %d, want %d", e.Index, next+uint64(i))
        }
        rl, err := toRaft(e)
        if err != nil { return err }
        logs = append(logs, rl)
    }
    if err := l.logs.StoreLogs(logs); err != nil { return errors.Wrap(err, "logstore: store logs") }
    return nil
}

// TruncateFrom deletes every entry with index >= from.
func (l *Log) TruncateFrom(from uint64) error {
    last := l.LastIndex()
    if from > last { return nil }
    if from <= l.lastTruncIdx {
        return consensus.InvalidOperationf("cannot truncate compacted index %d (truncated through %d)", from, l.lastTruncIdx)
    }
    if err := l.logs.DeleteRange(from, last); err != nil { return errors.Wrap(err, "logstore: delete range") }
    return nil
}

// Compact drops entries through upTo, which must be present, recording its
// term as the new truncation point.
func (l *Log) Compact(upTo uint64) error {
    if upTo <= l.lastTruncIdx { return nil }
    term, ok := l.TermAt(upTo)
    if !ok { return consensus.InvalidOperationf("cannot compact through missing index %d", upTo) }
    if err := l.logs.DeleteRange(l.FirstIndex(), upTo); err != nil { return errors.Wrap(err, "logstore: compact") }
    return l.setTruncated(upTo, term)
}

// ResetTo discards the whole log and restarts it after (index, term), as
// after installing a snapshot.
func (l *Log) ResetTo(index, term uint64) error {
    first, last := l.FirstIndex(), l.LastIndex()
    if last >= first {
        if err := l.logs.DeleteRange(first, last); err != nil { return errors.Wrap(err, "logstore: reset") }
    }
    return l.setTruncated(index, term)
}

func (l *Log) setTruncated(index, term uint64) error {
    if err := l.stable.SetUint64(keyLastTruncatedIndex, index); err != nil { return errors.Wrap(err, "logstore: persist truncation") }
    if err := l.stable.SetUint64(keyLastTruncatedTerm, term); err != nil { return errors.Wrap(err, "logstore: persist truncation") }
    l.lastTruncIdx, l.lastTruncTerm = index, term
    return nil
}

// Summary returns a diagnostic view with up to max entries from the tail.
func (l *Log) Summary(commit uint64, max int) consensus.LogSummary {
    s := consensus.LogSummary{
        CommitIndex:        commit,
        LastTruncatedIndex: l.lastTruncIdx,
        LastTruncatedTerm:  l.lastTruncTerm,
        FirstEntryIndex:    l.FirstIndex(),
        LastLogEntryIndex:  l.LastIndex(),
    }
    if max > 0 && s.LastLogEntryIndex >= s.FirstEntryIndex {
        from := s.FirstEntryIndex
        if n := s.LastLogEntryIndex - from + 1; n > uint64(max) { from = s.LastLogEntryIndex - uint64(max) + 1 }
        s.Entries, _ = l.Entries(from, max)
    }
    return s
}

// meta is stored in raft.Log.Extensions.
type meta struct {
    Type      string `json:"t,omitempty"`
    RequestID string `json:"r,omitempty"`
    Origin    string `json:"o,omitempty"`
}

func toRaft(e consensus.Entry) (*raft.Log, error) {
    var lt raft.LogType
    switch e.Flags {
    case consensus.FlagCommand:
        lt = raft.LogCommand
    case consensus.FlagNoop:
        lt = raft.LogNoop
    case consensus.FlagTopology:
        lt = raft.LogConfiguration
    default:
        return nil, consensus.InvalidOperationf("entry %d has invalid flags %d", e.Index, e.Flags)
    }
    ext, err := json.Marshal(meta{Type: e.Type, RequestID: e.RequestID, Origin: e.Origin})
    if err != nil { return nil, errors.Wrap(err, "logstore: encode entry meta") }
    return &raft.Log{Index: e.Index, Term: e.Term, Type: lt, Data: e.Payload, Extensions: ext, AppendedAt: time.Now()}, nil
}

func fromRaft(rl *raft.Log) (consensus.Entry, error) {
    e := consensus.Entry{Index: rl.Index, Term: rl.Term, Payload: rl.Data}
    switch rl.Type {
    case raft.LogCommand:
        e.Flags = consensus.FlagCommand
    case raft.LogNoop:
        e.Flags = consensus.FlagNoop
    case raft.LogConfiguration:
        e.Flags = consensus.FlagTopology
    default:
        return e, errors.AssertionFailedf("logstore: unexpected log type %s at %d", rl.Type, rl.Index)
    }
    if len(rl.Extensions) > 0 {
        var m meta
        if err := json.Unmarshal(rl.Extensions, &m); err != nil { return e, errors.Wrapf(err, "logstore: decode meta %d", rl.Index) }
        e.Type, e.RequestID, e.Origin = m.Type, m.RequestID, m.Origin
    }
    return e, nil
}
