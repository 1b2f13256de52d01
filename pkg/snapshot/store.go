package snapshot

import (
    "bufio"
    "bytes"
    "context"
    "encoding/json"
    "io"
    "log"
    "os"
    "sync"

    "github.com/cockroachdb/errors"
    "github.com/dustin/go-humanize"
    "github.com/hashicorp/raft"

    "github.com/amirimatin/go-rachis/pkg/internal/logutil"
    "github.com/amirimatin/go-rachis/pkg/transport/wire"
)

// AllFeatures enables every optional snapshot field; used for local files.
var AllFeatures = wire.Features{BaseLine: true, LogSummaryHints: true, SnapshotRequestIDs: true}

// Store keeps local snapshots in a raft.SnapshotStore. Each stored snapshot
// holds the topology and request-id blobs followed by the raw state; index
// and term live in the store's own metadata.
type Store struct {
    // mu keeps Latest from observing a snapshot that is still being written.
    mu     sync.RWMutex
    ss     raft.SnapshotStore
    logger *log.Logger
    // staged stores publish a sink as soon as it is created and cannot
    // cancel it, so state is produced into memory before the sink opens.
    staged bool
}

// NewFileStore keeps up to retain snapshots under dir.
func NewFileStore(dir string, retain int, logger *log.Logger) (*Store, error) {
    if retain <= 0 { retain = 2 }
    ss, err := raft.NewFileSnapshotStoreWithLogger(dir, retain, logutil.HCLog(logger, "snapshot"))
    if err != nil { return nil, errors.Wrap(err, "snapshot: open file store") }
    return &Store{ss: ss, logger: logger}, nil
}

// NewInmemStore keeps only the latest snapshot in memory.
func NewInmemStore() *Store {
    return &Store{ss: raft.NewInmemSnapshotStore(), staged: true}
}

type countingWriter struct {
    w io.Writer
    n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
    n, err := c.w.Write(p)
    c.n += int64(n)
    return n, err
}

// Create stores a snapshot whose state is produced by produce. When produce
// fails the previous snapshot stays the latest one.
func (s *Store) Create(h Header, produce func(w io.Writer) error) error {
    if s.staged {
        var staged bytes.Buffer
        if err := produce(&staged); err != nil { return errors.Wrap(err, "snapshot: produce state") }
        produce = func(w io.Writer) error {
            _, err := staged.WriteTo(w)
            return err
        }
    }
    s.mu.Lock()
    defer s.mu.Unlock()
    sink, err := s.ss.Create(raft.SnapshotVersionMax, h.LastIncludedIndex, h.LastIncludedTerm, raft.Configuration{}, h.LastIncludedIndex, nil)
    if err != nil { return errors.Wrap(err, "snapshot: create sink") }
    topo, err := json.Marshal(h.Topology)
    if err != nil { _ = sink.Cancel(); return errors.Wrap(err, "snapshot: encode topology") }
    ids, err := json.Marshal(h.RequestIDs)
    if err != nil { _ = sink.Cancel(); return errors.Wrap(err, "snapshot: encode request ids") }

    w := &writer{w: sink}
    w.blob(topo)
    w.blob(ids)
    if w.err != nil { _ = sink.Cancel(); return errors.Wrap(w.err, "snapshot: write header") }
    cw := &countingWriter{w: sink}
    if err := produce(cw); err != nil {
        _ = sink.Cancel()
        return errors.Wrap(err, "snapshot: produce state")
    }
    if err := sink.Close(); err != nil { return errors.Wrap(err, "snapshot: close sink") }
    logutil.Infof(s.logger, "[snapshot] stored %s at index %d term %d (%s state)",
        sink.ID(), h.LastIncludedIndex, h.LastIncludedTerm, humanize.Bytes(uint64(cw.n)))
    return nil
}

type stateCloser struct {
    io.Reader
    rc  io.Closer
    buf *Buffer
}

func (s *stateCloser) Close() error {
    s.buf.Release()
    return s.rc.Close()
}

// Latest opens the newest snapshot. ok is false when there is none. The
// caller must close the returned state reader.
func (s *Store) Latest() (h Header, state io.ReadCloser, stateLen int64, ok bool, err error) {
    s.mu.RLock()
    metas, err := s.ss.List()
    if err != nil {
        s.mu.RUnlock()
        return h, nil, 0, false, errors.Wrap(err, "snapshot: list")
    }
    if len(metas) == 0 {
        s.mu.RUnlock()
        return h, nil, 0, false, nil
    }
    meta, rc, err := s.ss.Open(metas[0].ID)
    s.mu.RUnlock()
    if err != nil { return h, nil, 0, false, errors.Wrap(err, "snapshot: open") }

    buf := NewBuffer()
    r := NewStreamReader(context.Background(), bufio.NewReader(rc), buf)
    fail := func(err error) (Header, io.ReadCloser, int64, bool, error) {
        buf.Release()
        _ = rc.Close()
        return Header{}, nil, 0, false, err
    }
    topo, err := readBlob(r)
    if err != nil { return fail(err) }
    ids, err := readBlob(r)
    if err != nil { return fail(err) }
    h.LastIncludedIndex, h.LastIncludedTerm = meta.Index, meta.Term
    if err := json.Unmarshal(topo, &h.Topology); err != nil { return fail(errors.Wrap(err, "snapshot: decode topology")) }
    if err := json.Unmarshal(ids, &h.RequestIDs); err != nil { return fail(errors.Wrap(err, "snapshot: decode request ids")) }

    stateLen = meta.Size - int64(8+len(topo)+len(ids))
    if stateLen < 0 { return fail(errors.AssertionFailedf("snapshot %s: size %d smaller than header", meta.ID, meta.Size)) }
    return h, &stateCloser{Reader: StateReader(r, stateLen), rc: rc, buf: buf}, stateLen, true, nil
}

// Export writes the newest snapshot to path in stream format.
func (s *Store) Export(ctx context.Context, path string) (Header, error) {
    h, state, n, ok, err := s.Latest()
    if err != nil { return h, err }
    if !ok { return h, errors.New("snapshot: store is empty") }
    defer state.Close()
    f, err := os.Create(path)
    if err != nil { return h, errors.Wrap(err, "snapshot: create export file") }
    bw := bufio.NewWriter(f)
    if _, err := WriteTo(ctx, bw, h, state, n, AllFeatures); err != nil {
        _ = f.Close()
        return h, err
    }
    if err := bw.Flush(); err != nil { _ = f.Close(); return h, errors.Wrap(err, "snapshot: flush export") }
    return h, f.Close()
}
