package rachis

import (
    "context"
    "fmt"
    "net"
    "time"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/negotiation"
    "github.com/amirimatin/go-rachis/pkg/transport/wire"
)

// acceptLoop hands every inbound stream to Serve until the transport closes.
func (n *Node) acceptLoop(ctx context.Context) error {
    for {
        nc, err := n.opts.Transport.Accept()
        if err != nil {
            if ctx.Err() != nil { return nil }
            n.warnf("accept: %v", err)
            select {
            case <-ctx.Done():
                return nil
            case <-time.After(n.opts.HeartbeatInterval):
            }
            continue
        }
        n.wg.Add(1)
        go func() {
            defer n.wg.Done()
            n.Serve(ctx, nc)
        }()
    }
}

// Serve handles one inbound peer connection: negotiation, then the operation
// it was negotiated for. The connection is closed on return.
func (n *Node) Serve(ctx context.Context, nc net.Conn) {
    conn := wire.NewConn(nc)
    defer conn.Close()
    _ = conn.SetDeadline(time.Now().Add(2 * n.opts.ElectionTimeout))

    res, hdr, err := negotiation.Accept(ctx, conn, negotiation.AcceptOptions{Table: n.opts.Versions, Acceptor: n.opts.Acceptor, Logger: n.logger})
    if err != nil {
        n.debugf("negotiation with %s: %v", conn.RemoteAddr(), err)
        return
    }
    if res.Outcome != negotiation.Agreed {
        n.debugf("negotiation with %q: %v", hdr.SourceNodeTag, res.Err())
        return
    }

    switch hdr.Operation {
    case wire.OperationCluster:
        err = n.serveCluster(ctx, conn, hdr)
    case wire.OperationPing, wire.OperationTestConnection:
        err = conn.WriteFrame(wire.HelloResponse{Accepted: true, CurrentTerm: n.Term()})
    case wire.OperationHeartbeats:
        err = n.serveHeartbeats(ctx, conn)
    case wire.OperationNone, wire.OperationDrop:
        err = errors.AssertionFailedf("negotiation agreed on %s", hdr.Operation)
    default:
        err = consensus.InvalidOperationf("unknown operation %q", hdr.Operation)
    }
    if err != nil && ctx.Err() == nil && !errors.Is(err, consensus.ErrTransport) {
        n.warnf("connection from %q (%s): %v", hdr.SourceNodeTag, hdr.Operation, err)
    }
}

// serveHeartbeats streams a NodeReport every heartbeat interval until the
// watcher hangs up.
func (n *Node) serveHeartbeats(ctx context.Context, conn *wire.Conn) error {
    defer conn.CloseOnDone(ctx)()
    if err := conn.WriteFrame(wire.HelloResponse{Accepted: true, CurrentTerm: n.Term()}); err != nil { return err }
    tick := time.NewTicker(n.opts.HeartbeatInterval)
    defer tick.Stop()
    for {
        st := n.Status()
        _ = conn.SetDeadline(time.Now().Add(2 * n.opts.ElectionTimeout))
        err := conn.WriteFrame(wire.NodeReport{
            Tag:          st.Tag,
            Role:         st.Role,
            Term:         st.Term,
            LeaderTag:    st.LeaderTag,
            CommitIndex:  st.CommitIndex,
            AppliedIndex: st.AppliedIndex,
            LastIndex:    st.LastIndex,
            ApplyFailure: st.ApplyFailure,
        })
        if err != nil { return err }
        select {
        case <-ctx.Done():
            return nil
        case <-tick.C:
        }
    }
}

// checkHello returns a reason to refuse hello, or "".
func (n *Node) checkHello(h wire.Hello) string {
    if h.DestinationURL != "" && h.DestinationURL != n.opts.URL && h.DebugDestinationIdentifier != n.tag {
        return fmt.Sprintf("destination %s (%s) is not this node", h.DebugDestinationIdentifier, h.DestinationURL)
    }
    if want := n.opts.ElectionTimeout.Milliseconds(); h.ElectionTimeout != want {
        return fmt.Sprintf("election timeout mismatch: %dms here, %dms at %s", want, h.ElectionTimeout, h.DebugSourceIdentifier)
    }
    n.mu.Lock()
    defer n.mu.Unlock()
    if h.TopologyID == "" { return "source has no topology" }
    if !n.topology.Empty() && n.topology.TopologyID != h.TopologyID {
        return fmt.Sprintf("topology %s does not match local topology %s", h.TopologyID, n.topology.TopologyID)
    }
    return ""
}

func (n *Node) serveCluster(ctx context.Context, conn *wire.Conn, hdr wire.ConnectionHeader) error {
    var hello wire.Hello
    if err := conn.ReadFrame(&hello); err != nil { return err }
    if reason := n.checkHello(hello); reason != "" {
        n.debugf("refusing %s from %s: %s", hello.InitialMessageType, hello.DebugSourceIdentifier, reason)
        return conn.WriteFrame(wire.HelloResponse{Reason: reason, CurrentTerm: n.Term()})
    }
    switch hello.InitialMessageType {
    case wire.MessageAppendEntries, wire.MessageRequestVote, wire.MessageInstallSnapshot:
    default:
        _ = conn.WriteFrame(wire.HelloResponse{Reason: "unknown message type", CurrentTerm: n.Term()})
        return consensus.InvalidOperationf("unknown initial message type %q from %s", hello.InitialMessageType, hdr.SourceNodeTag)
    }
    if err := conn.WriteFrame(wire.HelloResponse{Accepted: true, CurrentTerm: n.Term()}); err != nil { return err }

    switch hello.InitialMessageType {
    case wire.MessageAppendEntries:
        return n.serveAppendEntries(ctx, conn)
    case wire.MessageRequestVote:
        return n.serveRequestVote(conn)
    default:
        return n.serveInstallSnapshot(ctx, conn)
    }
}

func (n *Node) serveAppendEntries(ctx context.Context, conn *wire.Conn) error {
    defer conn.CloseOnDone(ctx)()
    for {
        _ = conn.SetDeadline(time.Now().Add(2 * n.opts.ElectionTimeout))
        var req wire.AppendEntries
        if err := conn.ReadFrame(&req); err != nil { return err }
        resp, err := n.handleAppendEntries(conn.Features, req)
        if err != nil { return err }
        if err := conn.WriteFrame(resp); err != nil { return err }
    }
}

func (n *Node) serveRequestVote(conn *wire.Conn) error {
    for {
        var req wire.RequestVote
        if err := conn.ReadFrame(&req); err != nil { return err }
        if err := conn.WriteFrame(n.handleRequestVote(req)); err != nil { return err }
    }
}

// connect dials url, negotiates the cluster protocol and introduces itself
// for typ. The returned connection carries the negotiated features.
func (n *Node) connect(ctx context.Context, tag, url string, typ wire.MessageType) (*wire.Conn, error) {
    dctx, cancel := context.WithTimeout(ctx, n.opts.ElectionTimeout)
    defer cancel()
    nc, err := n.opts.Transport.Dial(dctx, url)
    if err != nil { return nil, consensus.TransportError(err, "dial %s at %s", tag, url) }
    conn := wire.NewConn(nc)
    ok := false
    defer func() {
        if !ok { _ = conn.Close() }
    }()
    _ = conn.SetDeadline(time.Now().Add(2 * n.opts.ElectionTimeout))

    res, err := negotiation.Negotiate(dctx, conn, negotiation.Params{
        Operation:     wire.OperationCluster,
        SourceNodeTag: n.tag,
        Table:         n.opts.Versions,
    })
    if err != nil { return nil, err }
    if err := res.Err(); err != nil { return nil, err }

    n.mu.Lock()
    hello := wire.Hello{
        TopologyID:                 n.topology.TopologyID,
        DebugSourceIdentifier:      n.tag,
        DebugDestinationIdentifier: tag,
        InitialMessageType:         typ,
        DestinationURL:             url,
        SourceURL:                  n.opts.URL,
        ElectionTimeout:            n.opts.ElectionTimeout.Milliseconds(),
        ServerBuildVersion:         n.opts.BuildVersion,
    }
    n.mu.Unlock()
    if err := conn.WriteFrame(hello); err != nil { return nil, err }
    var resp wire.HelloResponse
    if err := conn.ReadFrame(&resp); err != nil { return nil, err }
    if !resp.Accepted {
        n.observeTerm(resp.CurrentTerm, tag)
        return nil, consensus.TopologyChangedf("%s refused %s: %s", tag, typ, resp.Reason)
    }
    _ = conn.SetDeadline(time.Time{})
    ok = true
    return conn, nil
}

// Ping checks that url runs a compatible rachis node and returns its term.
func (n *Node) Ping(ctx context.Context, url string) (uint64, error) {
    ctx, cancel := context.WithTimeout(ctx, n.opts.ElectionTimeout)
    defer cancel()
    nc, err := n.opts.Transport.Dial(ctx, url)
    if err != nil { return 0, consensus.TransportError(err, "dial %s", url) }
    conn := wire.NewConn(nc)
    defer conn.Close()
    defer conn.CloseOnDone(ctx)()
    res, err := negotiation.Negotiate(ctx, conn, negotiation.Params{Operation: wire.OperationPing, SourceNodeTag: n.tag, Table: n.opts.Versions})
    if err != nil { return 0, err }
    if err := res.Err(); err != nil { return 0, err }
    var resp wire.HelloResponse
    if err := conn.ReadFrame(&resp); err != nil { return 0, err }
    return resp.CurrentTerm, nil
}

// WatchHeartbeats passes the node reports streamed by url to fn until fn
// returns false or the stream fails. Cancelling ctx closes the stream.
func (n *Node) WatchHeartbeats(ctx context.Context, url string, fn func(wire.NodeReport) bool) error {
    dctx, cancel := context.WithTimeout(ctx, n.opts.ElectionTimeout)
    nc, err := n.opts.Transport.Dial(dctx, url)
    cancel()
    if err != nil { return consensus.TransportError(err, "dial %s", url) }
    conn := wire.NewConn(nc)
    defer conn.Close()
    defer conn.CloseOnDone(ctx)()
    _ = conn.SetDeadline(time.Now().Add(2 * n.opts.ElectionTimeout))
    res, err := negotiation.Negotiate(ctx, conn, negotiation.Params{Operation: wire.OperationHeartbeats, SourceNodeTag: n.tag, Table: n.opts.Versions})
    if err != nil { return err }
    if err := res.Err(); err != nil { return err }
    var resp wire.HelloResponse
    if err := conn.ReadFrame(&resp); err != nil { return err }
    if !resp.Accepted { return consensus.InvalidOperationf("%s refused heartbeats: %s", url, resp.Reason) }
    for {
        _ = conn.SetDeadline(time.Now().Add(2 * n.opts.ElectionTimeout))
        var r wire.NodeReport
        if err := conn.ReadFrame(&r); err != nil {
            if ctx.Err() != nil { return ctx.Err() }
            return err
        }
        if !fn(r) { return nil }
    }
}
