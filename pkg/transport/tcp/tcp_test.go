package tcp

import (
    "context"
    "io"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-rachis/pkg/security/tlsconfig/tlstest"
)

func echoOnce(t *testing.T, tr *Transport) {
    go func() {
        c, err := tr.Accept()
        if err != nil { return }
        defer c.Close()
        buf := make([]byte, 4)
        if _, err := io.ReadFull(c, buf); err != nil { return }
        _, _ = c.Write(buf)
    }()
}

func roundTrip(t *testing.T, from *Transport, addr string) {
    t.Helper()
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    c, err := from.Dial(ctx, addr)
    require.NoError(t, err)
    defer c.Close()
    _, err = c.Write([]byte("ping"))
    require.NoError(t, err)
    got := make([]byte, 4)
    _, err = io.ReadFull(c, got)
    require.NoError(t, err)
    require.Equal(t, "ping", string(got))
}

func TestPlainRoundTrip(t *testing.T) {
    srv, err := Listen(Options{Bind: "127.0.0.1:0"})
    require.NoError(t, err)
    defer srv.Close()
    cli, err := Listen(Options{Bind: "127.0.0.1:0"})
    require.NoError(t, err)
    defer cli.Close()

    echoOnce(t, srv)
    roundTrip(t, cli, srv.Addr())
}

func TestMutualTLS(t *testing.T) {
    o := tlstest.Write(t, t.TempDir())
    stls, err := o.Server()
    require.NoError(t, err)
    ctls, err := o.Client()
    require.NoError(t, err)

    srv, err := Listen(Options{Bind: "127.0.0.1:0", ServerTLS: stls, ClientTLS: ctls})
    require.NoError(t, err)
    defer srv.Close()
    cli, err := Listen(Options{Bind: "127.0.0.1:0", ServerTLS: stls, ClientTLS: ctls})
    require.NoError(t, err)
    defer cli.Close()

    echoOnce(t, srv)
    roundTrip(t, cli, srv.Addr())

    // A plaintext dialer cannot complete the exchange.
    plain, err := Listen(Options{Bind: "127.0.0.1:0"})
    require.NoError(t, err)
    defer plain.Close()
    go func() {
        if c, err := srv.Accept(); err == nil {
            _, _ = io.Copy(io.Discard, c)
            _ = c.Close()
        }
    }()
    c, err := plain.Dial(context.Background(), srv.Addr())
    require.NoError(t, err)
    defer c.Close()
    _ = c.SetDeadline(time.Now().Add(2 * time.Second))
    _, _ = c.Write([]byte("ping"))
    _, err = c.Read(make([]byte, 4))
    require.Error(t, err)
}

func TestCloseUnblocksAccept(t *testing.T) {
    srv, err := Listen(Options{Bind: "127.0.0.1:0"})
    require.NoError(t, err)
    done := make(chan error, 1)
    go func() {
        _, err := srv.Accept()
        done <- err
    }()
    require.NoError(t, srv.Close())
    require.NoError(t, srv.Close())
    select {
    case err := <-done:
        require.Error(t, err)
    case <-time.After(2 * time.Second):
        t.Fatal("accept did not return after close")
    }
}
