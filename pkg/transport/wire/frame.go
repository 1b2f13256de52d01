package wire

import (
    "bufio"
    "context"
    "encoding/binary"
    "encoding/json"
    "io"
    "net"
    "sync"
    "time"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-rachis/pkg/consensus"
)

// MaxFrameSize bounds a single record. Snapshot state bytes are streamed raw
// after a record and are not subject to this limit.
const MaxFrameSize = 64 << 20

// Conn is a peer stream carrying length-prefixed JSON records. Raw bytes may
// be interleaved through Reader/Writer (snapshot transfer); both paths share
// the same buffers so ordering is preserved.
type Conn struct {
    nc net.Conn
    br *bufio.Reader
    bw *bufio.Writer

    // Features negotiated for this connection's operation.
    Features Features

    closeOnce sync.Once
}

// NewConn wraps nc.
func NewConn(nc net.Conn) *Conn {
    return &Conn{nc: nc, br: bufio.NewReaderSize(nc, 32<<10), bw: bufio.NewWriterSize(nc, 32<<10)}
}

// WriteFrame encodes v as one record and flushes it.
func (c *Conn) WriteFrame(v interface{}) error {
    body, err := json.Marshal(v)
    if err != nil { return errors.Wrap(err, "encode frame") }
    if len(body) > MaxFrameSize {
        return consensus.InvalidOperationf("frame of %d bytes exceeds limit %d", len(body), MaxFrameSize)
    }
    var hdr [4]byte
    binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
    if _, err := c.bw.Write(hdr[:]); err != nil { return consensus.TransportError(err, "write frame header") }
    if _, err := c.bw.Write(body); err != nil { return consensus.TransportError(err, "write frame") }
    if err := c.bw.Flush(); err != nil { return consensus.TransportError(err, "flush frame") }
    return nil
}

// ReadFrame decodes the next record into v.
func (c *Conn) ReadFrame(v interface{}) error {
    var hdr [4]byte
    if _, err := io.ReadFull(c.br, hdr[:]); err != nil { return consensus.TransportError(err, "read frame header") }
    n := binary.BigEndian.Uint32(hdr[:])
    if n > MaxFrameSize {
        return consensus.InvalidOperationf("frame of %d bytes exceeds limit %d", n, MaxFrameSize)
    }
    body := make([]byte, n)
    if _, err := io.ReadFull(c.br, body); err != nil { return consensus.TransportError(err, "read frame body") }
    if err := json.Unmarshal(body, v); err != nil {
        return consensus.InvalidOperationf("malformed %T record: %v", v, err)
    }
    return nil
}

// Reader exposes the buffered read side for raw streaming.
func (c *Conn) Reader() io.Reader { return c.br }

// Writer exposes the buffered write side for raw streaming. Call Flush when done.
func (c *Conn) Writer() io.Writer { return c.bw }

// Flush flushes buffered raw writes.
func (c *Conn) Flush() error {
    if err := c.bw.Flush(); err != nil { return consensus.TransportError(err, "flush") }
    return nil
}

// SetDeadline forwards to the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error { return c.nc.SetDeadline(t) }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
    if a := c.nc.RemoteAddr(); a != nil { return a.String() }
    return ""
}

// Close closes the underlying connection; safe to call more than once.
func (c *Conn) Close() error {
    var err error
    c.closeOnce.Do(func() { err = c.nc.Close() })
    return err
}

// CloseOnDone closes the connection when ctx is done, unblocking any pending
// read or write. The returned func detaches the hook.
func (c *Conn) CloseOnDone(ctx context.Context) func() bool {
    return context.AfterFunc(ctx, func() { _ = c.Close() })
}
