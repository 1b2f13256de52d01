// Package negotiation agrees on a protocol version per operation between two
// peers before any other traffic flows on a connection.
package negotiation

import (
    "context"
    "fmt"
    "log"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/internal/logutil"
    "github.com/amirimatin/go-rachis/pkg/observability/metrics"
    "github.com/amirimatin/go-rachis/pkg/observability/tracing"
    "github.com/amirimatin/go-rachis/pkg/transport/wire"
)

// Cluster protocol versions.
const (
    ClusterBaseLine           = 10
    ClusterLogSummaryHints    = 50
    ClusterSnapshotRequestIDs = 53
)

// Table lists the supported versions per operation, highest first.
type Table map[wire.Operation][]int

// Default is the version table of this build.
var Default = Table{
    wire.OperationCluster:        {ClusterSnapshotRequestIDs, ClusterLogSummaryHints, ClusterBaseLine},
    wire.OperationHeartbeats:     {20},
    wire.OperationPing:           {1},
    wire.OperationTestConnection: {1},
}

func (t Table) orDefault() Table {
    if t == nil { return Default }
    return t
}

// Versions returns the supported versions of op, highest first.
func (t Table) Versions(op wire.Operation) []int {
    return append([]int(nil), t.orDefault()[op]...)
}

// Current returns the highest supported version of op, or 0 when op carries
// no negotiable traffic.
func (t Table) Current(op wire.Operation) int {
    v := t.orDefault()[op]
    if len(v) == 0 { return 0 }
    return v[0]
}

func (t Table) supports(op wire.Operation, version int) bool {
    for _, v := range t.orDefault()[op] {
        if v == version { return true }
    }
    return false
}

// bestBelow returns the highest supported version <= limit.
func (t Table) bestBelow(op wire.Operation, limit int) (int, bool) {
    for _, v := range t.orDefault()[op] {
        if v <= limit { return v, true }
    }
    return 0, false
}

func (t Table) lowest(op wire.Operation) int {
    v := t.orDefault()[op]
    if len(v) == 0 { return 0 }
    return v[len(v)-1]
}

// Current returns the highest version of op in the Default table.
func Current(op wire.Operation) int { return Default.Current(op) }

// FeaturesFor returns the capability set for version of op.
func FeaturesFor(op wire.Operation, version int) wire.Features {
    f := wire.Features{Operation: op, Version: version, BaseLine: true}
    if op == wire.OperationCluster {
        f.LogSummaryHints = version >= ClusterLogSummaryHints
        f.SnapshotRequestIDs = version >= ClusterSnapshotRequestIDs
    }
    return f
}

// Outcome is the closed set of negotiation results.
type Outcome int

const (
    Agreed Outcome = iota
    Dropped
    OutOfRange
)

func (o Outcome) String() string {
    switch o {
    case Agreed:
        return "agreed"
    case Dropped:
        return "dropped"
    case OutOfRange:
        return "out_of_range"
    default:
        return "unknown"
    }
}

// Result is the outcome of a negotiation. Dropped and OutOfRange are regular
// results; callers that cannot proceed turn them into errors with Err.
type Result struct {
    Outcome  Outcome
    Version  int
    Features wire.Features
    // LocalVersion and RemoteVersion are set on OutOfRange.
    LocalVersion  int
    RemoteVersion int
    // Reason is the acceptor's message on Dropped.
    Reason string
}

// Err returns nil on agreement and a descriptive error otherwise.
func (r Result) Err() error {
    switch r.Outcome {
    case Agreed:
        return nil
    case Dropped:
        if r.Reason != "" {
            return consensus.TransportError(errors.New("connection dropped by peer"), "negotiation: %s", r.Reason)
        }
        return consensus.TransportError(errors.New("connection dropped by peer"), "negotiation")
    case OutOfRange:
        return consensus.InvalidOperationf("negotiation: no common version, local=%d remote=%d", r.LocalVersion, r.RemoteVersion)
    default:
        return errors.AssertionFailedf("negotiation: unknown outcome %d", r.Outcome)
    }
}

// Params is the client side proposal.
type Params struct {
    Operation     wire.Operation
    Database      string
    SourceNodeTag string
    // Version defaults to the highest version of Operation in Table.
    Version       int
    AuthorizeInfo *wire.AuthorizeInfo
    // Table defaults to Default.
    Table Table
}

// Negotiate runs the client side of the handshake on c. On agreement the
// negotiated features are also stored on c.
func Negotiate(ctx context.Context, c *wire.Conn, p Params) (Result, error) {
    ctx, end := tracing.StartSpan(ctx, "negotiation.client", "operation", string(p.Operation))
    defer end()
    defer c.CloseOnDone(ctx)()

    version := p.Version
    if version == 0 { version = p.Table.Current(p.Operation) }
    local := version
    for {
        if err := ctx.Err(); err != nil { return Result{}, errors.Wrap(err, "negotiation") }
        hdr := wire.ConnectionHeader{
            DatabaseName:     p.Database,
            Operation:        p.Operation,
            SourceNodeTag:    p.SourceNodeTag,
            OperationVersion: version,
            AuthorizeInfo:    p.AuthorizeInfo,
        }
        if err := c.WriteFrame(hdr); err != nil { return Result{}, err }
        var resp wire.ConnectionHeaderResponse
        if err := c.ReadFrame(&resp); err != nil { return Result{}, err }

        switch {
        case resp.Version == wire.DropStatus:
            metrics.ObserveNegotiation(string(p.Operation), Dropped.String())
            return Result{Outcome: Dropped, Reason: resp.Message}, nil
        case resp.Version == version:
            r := Result{Outcome: Agreed, Version: version, Features: FeaturesFor(p.Operation, version)}
            c.Features = r.Features
            metrics.ObserveNegotiation(string(p.Operation), Agreed.String())
            return r, nil
        case resp.Version == wire.OutOfRangeStatus:
            metrics.ObserveNegotiation(string(p.Operation), OutOfRange.String())
            return Result{Outcome: OutOfRange, LocalVersion: local, RemoteVersion: version}, nil
        }

        next, ok := p.Table.bestBelow(p.Operation, resp.Version)
        if !ok || next >= version {
            // The peer's counter-proposal is below our floor, or would not make progress.
            _ = c.WriteFrame(wire.ConnectionHeader{
                Operation:        p.Operation,
                SourceNodeTag:    p.SourceNodeTag,
                OperationVersion: wire.OutOfRangeStatus,
            })
            metrics.ObserveNegotiation(string(p.Operation), OutOfRange.String())
            return Result{Outcome: OutOfRange, LocalVersion: local, RemoteVersion: resp.Version}, nil
        }
        version = next
    }
}

// Acceptor decides whether to serve a proposal.
type Acceptor interface {
    // Admit returns a non-empty reason to drop the connection.
    Admit(hdr wire.ConnectionHeader) (reason string)
}

// AcceptorFunc adapts a function to Acceptor.
type AcceptorFunc func(hdr wire.ConnectionHeader) string

func (f AcceptorFunc) Admit(hdr wire.ConnectionHeader) string { return f(hdr) }

// AcceptOptions configure the server side.
type AcceptOptions struct {
    // Table defaults to Default.
    Table Table
    // Acceptor may refuse a proposal; nil admits everything.
    Acceptor Acceptor
    // Logger receives acceptor refusals. Nil uses the standard logger.
    Logger *log.Logger
}

// Accept runs the server side of the handshake on c. The last header read is
// returned so that the caller knows the operation and source.
func Accept(ctx context.Context, c *wire.Conn, opts AcceptOptions) (Result, wire.ConnectionHeader, error) {
    ctx, end := tracing.StartSpan(ctx, "negotiation.server")
    defer end()
    defer c.CloseOnDone(ctx)()

    var first int
    for {
        if err := ctx.Err(); err != nil { return Result{}, wire.ConnectionHeader{}, errors.Wrap(err, "negotiation") }
        var hdr wire.ConnectionHeader
        if err := c.ReadFrame(&hdr); err != nil { return Result{}, hdr, err }
        if first == 0 { first = hdr.OperationVersion }

        if reason := dropReason(hdr, opts); reason != "" {
            if err := c.WriteFrame(wire.ConnectionHeaderResponse{Version: wire.DropStatus, Message: reason}); err != nil {
                return Result{}, hdr, err
            }
            metrics.ObserveNegotiation(string(hdr.Operation), Dropped.String())
            return Result{Outcome: Dropped, Reason: reason}, hdr, nil
        }
        if hdr.OperationVersion == wire.OutOfRangeStatus {
            metrics.ObserveNegotiation(string(hdr.Operation), OutOfRange.String())
            return Result{Outcome: OutOfRange, LocalVersion: opts.Table.Current(hdr.Operation), RemoteVersion: first}, hdr, nil
        }
        if opts.Table.supports(hdr.Operation, hdr.OperationVersion) {
            if err := c.WriteFrame(wire.ConnectionHeaderResponse{Version: hdr.OperationVersion}); err != nil {
                return Result{}, hdr, err
            }
            r := Result{Outcome: Agreed, Version: hdr.OperationVersion, Features: FeaturesFor(hdr.Operation, hdr.OperationVersion)}
            c.Features = r.Features
            metrics.ObserveNegotiation(string(hdr.Operation), Agreed.String())
            return r, hdr, nil
        }
        counter, ok := opts.Table.bestBelow(hdr.Operation, hdr.OperationVersion)
        if !ok {
            // Below our floor: offer the lowest we have and let the client give up.
            counter = opts.Table.lowest(hdr.Operation)
        }
        resp := wire.ConnectionHeaderResponse{Version: counter, Message: fmt.Sprintf("version %d not supported", hdr.OperationVersion)}
        if err := c.WriteFrame(resp); err != nil { return Result{}, hdr, err }
    }
}

func dropReason(hdr wire.ConnectionHeader, opts AcceptOptions) string {
    switch hdr.Operation {
    case wire.OperationDrop:
        return "drop requested"
    case wire.OperationNone:
        return "no operation"
    case wire.OperationCluster, wire.OperationHeartbeats, wire.OperationPing, wire.OperationTestConnection:
    default:
        return fmt.Sprintf("unknown operation %q", hdr.Operation)
    }
    if opts.Acceptor != nil {
        if reason := opts.Acceptor.Admit(hdr); reason != "" {
            logutil.Warnf(opts.Logger, "[negotiation] dropping %s from %q: %s", hdr.Operation, hdr.SourceNodeTag, reason)
            return reason
        }
    }
    return ""
}
