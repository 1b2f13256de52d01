package snapshot

import (
    "context"
    "encoding/binary"
    "encoding/json"
    "io"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/transport/wire"
)

// chunkSize is the unit in which state bytes are copied.
const chunkSize = 32 << 10

// Header precedes the state bytes of a snapshot.
type Header struct {
    LastIncludedIndex uint64             `json:"lastIncludedIndex"`
    LastIncludedTerm  uint64             `json:"lastIncludedTerm"`
    Topology          consensus.Topology `json:"topology"`
    // RequestIDs is the recently applied request-id window. It is only on the
    // wire when the connection negotiated SnapshotRequestIDs.
    RequestIDs []string `json:"requestIds,omitempty"`
}

type writer struct {
    w   io.Writer
    err error
    tmp [8]byte
}

func (w *writer) int32(v int32) {
    if w.err != nil { return }
    binary.BigEndian.PutUint32(w.tmp[:4], uint32(v))
    _, w.err = w.w.Write(w.tmp[:4])
}

func (w *writer) int64(v int64) {
    if w.err != nil { return }
    binary.BigEndian.PutUint64(w.tmp[:], uint64(v))
    _, w.err = w.w.Write(w.tmp[:])
}

func (w *writer) blob(b []byte) {
    w.int32(int32(len(b)))
    if w.err != nil { return }
    _, w.err = w.w.Write(b)
}

// WriteTo streams h followed by exactly stateLen bytes of state to w and
// returns the number of state bytes written.
func WriteTo(ctx context.Context, w io.Writer, h Header, state io.Reader, stateLen int64, f wire.Features) (int64, error) {
    topo, err := json.Marshal(h.Topology)
    if err != nil { return 0, errors.Wrap(err, "snapshot: encode topology") }
    bw := &writer{w: w}
    bw.int64(int64(h.LastIncludedIndex))
    bw.int64(int64(h.LastIncludedTerm))
    bw.blob(topo)
    if f.SnapshotRequestIDs {
        ids, err := json.Marshal(h.RequestIDs)
        if err != nil { return 0, errors.Wrap(err, "snapshot: encode request ids") }
        bw.blob(ids)
    }
    bw.int64(stateLen)
    if bw.err != nil { return 0, consensus.TransportError(bw.err, "snapshot: write header") }

    buf := NewBuffer()
    defer buf.Release()
    chunk, err := buf.Ensure(chunkSize)
    if err != nil { return 0, err }
    var written int64
    for written < stateLen {
        if err := ctx.Err(); err != nil { return written, errors.Wrap(err, "snapshot write") }
        n := int64(len(chunk))
        if rem := stateLen - written; rem < n { n = rem }
        got, err := io.ReadFull(state, chunk[:n])
        if err != nil {
            return written, errors.Wrapf(err, "snapshot: state source ended after %d of %d bytes", written+int64(got), stateLen)
        }
        if _, err := w.Write(chunk[:n]); err != nil {
            return written, consensus.TransportError(err, "snapshot: write state")
        }
        written += n
    }
    return written, nil
}

// ReadHeader consumes the header from r and returns the number of state bytes
// that follow.
func ReadHeader(r Reader, f wire.Features) (Header, int64, error) {
    var h Header
    idx, err := r.ReadInt64()
    if err != nil { return h, 0, err }
    term, err := r.ReadInt64()
    if err != nil { return h, 0, err }
    if idx < 0 || term < 0 {
        return h, 0, consensus.InvalidOperationf("snapshot: negative index %d or term %d", idx, term)
    }
    h.LastIncludedIndex, h.LastIncludedTerm = uint64(idx), uint64(term)

    topo, err := readBlob(r)
    if err != nil { return h, 0, err }
    if err := json.Unmarshal(topo, &h.Topology); err != nil {
        return h, 0, consensus.InvalidOperationf("snapshot: malformed topology: %v", err)
    }
    if f.SnapshotRequestIDs {
        ids, err := readBlob(r)
        if err != nil { return h, 0, err }
        if err := json.Unmarshal(ids, &h.RequestIDs); err != nil {
            return h, 0, consensus.InvalidOperationf("snapshot: malformed request ids: %v", err)
        }
    }
    stateLen, err := r.ReadInt64()
    if err != nil { return h, 0, err }
    if stateLen < 0 { return h, 0, consensus.InvalidOperationf("snapshot: negative state length %d", stateLen) }
    return h, stateLen, nil
}

func readBlob(r Reader) ([]byte, error) {
    n, err := r.ReadInt32()
    if err != nil { return nil, err }
    if n < 0 { return nil, consensus.InvalidOperationf("snapshot: negative field length %d", n) }
    b, err := r.ReadExactly(int(n))
    if err != nil { return nil, err }
    return append([]byte(nil), b...), nil
}

// StateReader exposes the next n state bytes of r as an io.Reader.
func StateReader(r Reader, n int64) io.Reader {
    return &stateReader{r: r, remain: n}
}

type stateReader struct {
    r      Reader
    remain int64
}

func (s *stateReader) Read(p []byte) (int, error) {
    if s.remain == 0 { return 0, io.EOF }
    n := int64(len(p))
    if n > s.remain { n = s.remain }
    if n > chunkSize { n = chunkSize }
    b, err := s.r.ReadExactly(int(n))
    if err != nil { return 0, err }
    copy(p, b)
    s.remain -= n
    return int(n), nil
}

// Remaining reports how many state bytes have not been read through a reader
// returned by StateReader.
func Remaining(r io.Reader) int64 {
    if s, ok := r.(*stateReader); ok { return s.remain }
    return 0
}
