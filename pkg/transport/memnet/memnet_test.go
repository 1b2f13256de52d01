package memnet

import (
    "context"
    "io"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
)

func TestDialAccept(t *testing.T) {
    nw := New()
    a, err := nw.Listen("a")
    require.NoError(t, err)
    b, err := nw.Listen("b")
    require.NoError(t, err)
    _, err = nw.Listen("a")
    require.Error(t, err)

    go func() {
        c, err := b.Accept()
        if err != nil { return }
        defer c.Close()
        buf := make([]byte, 4)
        if _, err := io.ReadFull(c, buf); err != nil { return }
        _, _ = c.Write(buf)
    }()
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    c, err := a.Dial(ctx, "b")
    require.NoError(t, err)
    defer c.Close()
    _, err = c.Write([]byte("ping"))
    require.NoError(t, err)
    got := make([]byte, 4)
    _, err = io.ReadFull(c, got)
    require.NoError(t, err)
    require.Equal(t, "ping", string(got))
}

func TestPartitionClosesStreams(t *testing.T) {
    nw := New()
    a, _ := nw.Listen("a")
    b, _ := nw.Listen("b")
    accepted := make(chan struct{})
    go func() {
        c, err := b.Accept()
        if err == nil { defer c.Close() }
        close(accepted)
        if err == nil { _, _ = io.Copy(io.Discard, c) }
    }()
    c, err := a.Dial(context.Background(), "b")
    require.NoError(t, err)
    <-accepted

    nw.Partition("a", "b")
    _, err = c.Read(make([]byte, 1))
    require.Error(t, err)

    ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
    defer cancel()
    _, err = a.Dial(ctx, "b")
    require.Error(t, err)

    nw.Heal()
    go func() {
        if c, err := b.Accept(); err == nil { _ = c.Close() }
    }()
    c2, err := a.Dial(context.Background(), "b")
    require.NoError(t, err)
    _ = c2.Close()
}

func TestCloseUnblocksAccept(t *testing.T) {
    nw := New()
    a, _ := nw.Listen("a")
    done := make(chan error, 1)
    go func() {
        _, err := a.Accept()
        done <- err
    }()
    require.NoError(t, a.Close())
    select {
    case err := <-done:
        require.ErrorIs(t, err, ErrClosed)
    case <-time.After(time.Second):
        t.Fatal("accept did not return after close")
    }

    b, _ := nw.Listen("b")
    _, err := b.Dial(context.Background(), "a")
    require.Error(t, err)
}
