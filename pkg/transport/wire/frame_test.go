package wire

import (
    "context"
    "encoding/binary"
    "io"
    "net"
    "testing"

    "github.com/cockroachdb/errors"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-rachis/pkg/consensus"
)

func pipe(t *testing.T) (*Conn, *Conn) {
    t.Helper()
    a, b := net.Pipe()
    ca, cb := NewConn(a), NewConn(b)
    t.Cleanup(func() { _ = ca.Close(); _ = cb.Close() })
    return ca, cb
}

func TestFrame_RoundTripWithRawInterleave(t *testing.T) {
    a, b := pipe(t)

    errc := make(chan error, 1)
    go func() {
        if err := a.WriteFrame(InstallSnapshot{Term: 3, LeaderTag: "A"}); err != nil { errc <- err; return }
        if _, err := a.Writer().Write([]byte("raw-bytes")); err != nil { errc <- err; return }
        if err := a.Flush(); err != nil { errc <- err; return }
        errc <- a.WriteFrame(InstallSnapshotResponse{Done: true, LastLogIndex: 9})
    }()

    var is InstallSnapshot
    require.NoError(t, b.ReadFrame(&is))
    require.Equal(t, uint64(3), is.Term)
    require.Equal(t, "A", is.LeaderTag)

    raw := make([]byte, len("raw-bytes"))
    _, err := io.ReadFull(b.Reader(), raw)
    require.NoError(t, err)
    require.Equal(t, "raw-bytes", string(raw))

    var resp InstallSnapshotResponse
    require.NoError(t, b.ReadFrame(&resp))
    require.True(t, resp.Done)
    require.Equal(t, uint64(9), resp.LastLogIndex)
    require.NoError(t, <-errc)
}

func TestFrame_OversizedHeaderIsProtocolError(t *testing.T) {
    a, b := net.Pipe()
    defer a.Close()
    c := NewConn(b)
    defer c.Close()

    go func() {
        var hdr [4]byte
        binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
        _, _ = a.Write(hdr[:])
    }()
    var v Hello
    err := c.ReadFrame(&v)
    require.Error(t, err)
    require.True(t, errors.Is(err, consensus.ErrInvalidOperation))
    require.True(t, errors.Is(err, consensus.ErrConsensus))
}

func TestFrame_ClosedPeerIsTransportError(t *testing.T) {
    a, b := pipe(t)
    _ = a.Close()
    var v Hello
    err := b.ReadFrame(&v)
    require.True(t, errors.Is(err, consensus.ErrTransport))
}

func TestFrame_CloseOnDoneUnblocksRead(t *testing.T) {
    _, b := pipe(t)
    ctx, cancel := context.WithCancel(context.Background())
    stop := b.CloseOnDone(ctx)
    defer stop()

    done := make(chan error, 1)
    go func() {
        var v Hello
        done <- b.ReadFrame(&v)
    }()
    cancel()
    require.Error(t, <-done)
}
