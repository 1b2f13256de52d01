package snapshot

import (
    "bytes"
    "context"
    "io"
    "path/filepath"
    "testing"

    "github.com/cockroachdb/errors"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/transport/wire"
)

func header() Header {
    return Header{
        LastIncludedIndex: 100,
        LastIncludedTerm:  3,
        Topology:          consensus.Topology{TopologyID: "t", Members: map[string]string{"A": "a:1", "B": "b:1"}},
        RequestIDs:        []string{"r1", "r2"},
    }
}

func TestBuffer_GrowsOnlyWhenNeeded(t *testing.T) {
    b := NewBuffer()
    defer b.Release()
    require.Equal(t, InitialBufferSize, b.Cap())

    s, err := b.Ensure(100)
    require.NoError(t, err)
    require.Len(t, s, 100)
    require.Equal(t, InitialBufferSize, b.Cap())

    s, err = b.Ensure(5000)
    require.NoError(t, err)
    require.Len(t, s, 5000)
    require.Equal(t, 8192, b.Cap())

    _, err = b.Ensure(MaxBufferSize + 1)
    require.True(t, errors.Is(err, consensus.ErrInvalidOperation))
}

func TestFormat_RoundTripPerFeatureSet(t *testing.T) {
    state := bytes.Repeat([]byte("state-"), 20000)
    for _, f := range []wire.Features{
        {BaseLine: true},
        {BaseLine: true, LogSummaryHints: true, SnapshotRequestIDs: true},
    } {
        var out bytes.Buffer
        n, err := WriteTo(context.Background(), &out, header(), bytes.NewReader(state), int64(len(state)), f)
        require.NoError(t, err)
        require.Equal(t, int64(len(state)), n)

        buf := NewBuffer()
        r := NewStreamReader(context.Background(), &out, buf)
        h, stateLen, err := ReadHeader(r, f)
        require.NoError(t, err)
        require.Equal(t, uint64(100), h.LastIncludedIndex)
        require.Equal(t, uint64(3), h.LastIncludedTerm)
        require.True(t, h.Topology.IsVoter("B"))
        if f.SnapshotRequestIDs {
            require.Equal(t, []string{"r1", "r2"}, h.RequestIDs)
        } else {
            require.Empty(t, h.RequestIDs)
        }
        got, err := io.ReadAll(StateReader(r, stateLen))
        require.NoError(t, err)
        require.Equal(t, state, got)
        buf.Release()
    }
}

func TestReader_PrematureEndOfStream(t *testing.T) {
    var out bytes.Buffer
    state := []byte("0123456789")
    _, err := WriteTo(context.Background(), &out, header(), bytes.NewReader(state), int64(len(state)), AllFeatures)
    require.NoError(t, err)
    truncated := out.Bytes()[:out.Len()-4]

    buf := NewBuffer()
    defer buf.Release()
    r := NewStreamReader(context.Background(), bytes.NewReader(truncated), buf)
    _, n, err := ReadHeader(r, AllFeatures)
    require.NoError(t, err)
    _, err = io.ReadAll(StateReader(r, n))
    require.Error(t, err)
    require.True(t, errors.Is(err, ErrEndOfStream))
    require.True(t, errors.Is(err, consensus.ErrTransport))
}

func TestReader_CanceledContext(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    cancel()
    buf := NewBuffer()
    defer buf.Release()
    _, err := NewStreamReader(ctx, bytes.NewReader(make([]byte, 16)), buf).ReadInt64()
    require.ErrorIs(t, err, context.Canceled)
}

func TestReader_RejectsNegativeLengths(t *testing.T) {
    var out bytes.Buffer
    w := &writer{w: &out}
    w.int64(1)
    w.int64(1)
    w.int32(-5)
    buf := NewBuffer()
    defer buf.Release()
    _, _, err := ReadHeader(NewStreamReader(context.Background(), &out, buf), wire.Features{BaseLine: true})
    require.True(t, errors.Is(err, consensus.ErrInvalidOperation))
}

func testStore(t *testing.T, s *Store) {
    _, _, _, ok, err := s.Latest()
    require.NoError(t, err)
    require.False(t, ok)

    state := []byte(`{"k":"v"}`)
    require.NoError(t, s.Create(header(), func(w io.Writer) error {
        _, err := w.Write(state)
        return err
    }))

    h, rc, n, ok, err := s.Latest()
    require.NoError(t, err)
    require.True(t, ok)
    require.Equal(t, uint64(100), h.LastIncludedIndex)
    require.Equal(t, []string{"r1", "r2"}, h.RequestIDs)
    require.Equal(t, int64(len(state)), n)
    got, err := io.ReadAll(rc)
    require.NoError(t, err)
    require.NoError(t, rc.Close())
    require.Equal(t, state, got)

    path := filepath.Join(t.TempDir(), "snap.bin")
    _, err = s.Export(context.Background(), path)
    require.NoError(t, err)
    fr, err := OpenFile(path)
    require.NoError(t, err)
    defer fr.Close()
    fh, fn, err := ReadHeader(fr, AllFeatures)
    require.NoError(t, err)
    require.Equal(t, h.LastIncludedTerm, fh.LastIncludedTerm)
    require.Equal(t, n, fn)
}

// testFailedCreate stores a snapshot, then fails a newer one halfway
// through its state.
func testFailedCreate(t *testing.T, s *Store) {
    good := header()
    good.LastIncludedIndex = 5
    require.NoError(t, s.Create(good, func(w io.Writer) error {
        _, err := w.Write([]byte("complete"))
        return err
    }))

    newer := header()
    newer.LastIncludedIndex, newer.LastIncludedTerm = 9, 4
    err := s.Create(newer, func(w io.Writer) error {
        if _, err := w.Write([]byte("par")); err != nil { return err }
        return ErrEndOfStream
    })
    require.True(t, errors.Is(err, ErrEndOfStream), "%v", err)

    h, rc, n, ok, err := s.Latest()
    require.NoError(t, err)
    require.True(t, ok)
    defer rc.Close()
    require.Equal(t, uint64(5), h.LastIncludedIndex)
    require.Equal(t, int64(len("complete")), n)
    got, err := io.ReadAll(rc)
    require.NoError(t, err)
    require.Equal(t, "complete", string(got))
}

func TestStore_Inmem(t *testing.T) {
    testStore(t, NewInmemStore())
    testFailedCreate(t, NewInmemStore())
}

func TestStore_File(t *testing.T) {
    s, err := NewFileStore(t.TempDir(), 1, nil)
    require.NoError(t, err)
    testStore(t, s)

    s, err = NewFileStore(t.TempDir(), 2, nil)
    require.NoError(t, err)
    testFailedCreate(t, s)
}
