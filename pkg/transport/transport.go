package transport

import (
    "context"
    "net"
)

// Transport carries cluster-internal consensus connections. Each connection
// is negotiated and dedicated to one purpose by the consensus engine; the
// transport only provides byte streams.
type Transport interface {
    // Addr returns the local bind/advertise address.
    Addr() string
    // Dial opens a stream to a peer address.
    Dial(ctx context.Context, addr string) (net.Conn, error)
    // Accept waits for the next inbound stream. It fails once Close is called.
    Accept() (net.Conn, error)
    Close() error
}
