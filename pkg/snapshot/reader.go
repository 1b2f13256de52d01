package snapshot

import (
    "bufio"
    "context"
    "encoding/binary"
    "io"
    "os"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-rachis/pkg/consensus"
)

// ErrEndOfStream marks a stream that ended before the requested bytes
// arrived. It is a transport failure; the transfer cannot be resumed.
var ErrEndOfStream = errors.New("snapshot: premature end of stream")

// Reader reads exact-length fields of a snapshot stream.
type Reader interface {
    // ReadExactly returns exactly n bytes. The slice is only valid until the
    // next read.
    ReadExactly(n int) ([]byte, error)
    ReadInt32() (int32, error)
    ReadInt64() (int64, error)
}

// StreamReader reads a snapshot from a live connection.
type StreamReader struct {
    ctx context.Context
    r   io.Reader
    buf *Buffer
}

var _ Reader = (*StreamReader)(nil)

// NewStreamReader reads from r using buf. Reads fail once ctx is done.
func NewStreamReader(ctx context.Context, r io.Reader, buf *Buffer) *StreamReader {
    return &StreamReader{ctx: ctx, r: r, buf: buf}
}

func (s *StreamReader) ReadExactly(n int) ([]byte, error) {
    if err := s.ctx.Err(); err != nil { return nil, errors.Wrap(err, "snapshot read") }
    dst, err := s.buf.Ensure(n)
    if err != nil { return nil, err }
    got, err := io.ReadFull(s.r, dst)
    if err != nil {
        if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
            return nil, consensus.TransportError(errors.Mark(errors.Newf("expected %d bytes, got %d", n, got), ErrEndOfStream), "snapshot")
        }
        if ctxErr := s.ctx.Err(); ctxErr != nil { return nil, errors.Wrap(ctxErr, "snapshot read") }
        return nil, consensus.TransportError(err, "snapshot read")
    }
    return dst, nil
}

func (s *StreamReader) ReadInt32() (int32, error) {
    b, err := s.ReadExactly(4)
    if err != nil { return 0, err }
    return int32(binary.BigEndian.Uint32(b)), nil
}

func (s *StreamReader) ReadInt64() (int64, error) {
    b, err := s.ReadExactly(8)
    if err != nil { return 0, err }
    return int64(binary.BigEndian.Uint64(b)), nil
}

// FileReader reads a snapshot previously exported to a local file.
type FileReader struct {
    *StreamReader
    f *os.File
}

// OpenFile opens path for reading in snapshot stream format.
func OpenFile(path string) (*FileReader, error) {
    f, err := os.Open(path)
    if err != nil { return nil, errors.Wrap(err, "snapshot: open file") }
    return &FileReader{
        StreamReader: NewStreamReader(context.Background(), bufio.NewReader(f), NewBuffer()),
        f:            f,
    }, nil
}

// Close releases the buffer and the file.
func (r *FileReader) Close() error {
    r.buf.Release()
    return r.f.Close()
}
