package consensus

import "github.com/cockroachdb/errors"

// ErrConsensus is the base category every consensus error is marked with.
var ErrConsensus = errors.New("rachis")

var (
    // ErrInvalidOperation marks malformed or out-of-protocol messages. The
    // connection is failed and must be re-negotiated from scratch.
    ErrInvalidOperation = errors.New("rachis: invalid operation")
    // ErrTopologyChanged marks a topology change that invalidated the current
    // role. The node steps down; the process keeps running.
    ErrTopologyChanged = errors.New("rachis: topology changed")
    // ErrConcurrency marks a rejected conflicting mutation of term, log or role.
    ErrConcurrency = errors.New("rachis: concurrent modification")
    // ErrApply marks a state machine failure while applying a committed entry.
    // It is fatal for the node's participation until resolved by an operator.
    ErrApply = errors.New("rachis: apply failed")
    // ErrTransport marks stream failures, including a premature end of stream
    // during snapshot transfer.
    ErrTransport = errors.New("rachis: transport failure")
    // ErrNotLeading is returned for leader-only operations on other roles, and
    // resolves waiters whose command lost leadership before commit.
    ErrNotLeading = errors.New("rachis: not leading")
)

func mark(err, category error) error {
    return errors.Mark(errors.Mark(err, category), ErrConsensus)
}

// InvalidOperationf returns a new protocol error.
func InvalidOperationf(format string, args ...interface{}) error {
    return mark(errors.Newf(format, args...), ErrInvalidOperation)
}

// TopologyChangedf returns a new topology error.
func TopologyChangedf(format string, args ...interface{}) error {
    return mark(errors.Newf(format, args...), ErrTopologyChanged)
}

// Concurrencyf returns a new concurrency error.
func Concurrencyf(format string, args ...interface{}) error {
    return mark(errors.Newf(format, args...), ErrConcurrency)
}

// NotLeadingf returns a new not-leading error.
func NotLeadingf(format string, args ...interface{}) error {
    return mark(errors.Newf(format, args...), ErrNotLeading)
}

// ApplyError wraps a state machine failure for the entry at index.
func ApplyError(err error, index uint64) error {
    return mark(errors.Wrapf(err, "applying entry %d", index), ErrApply)
}

// TransportError wraps a stream failure.
func TransportError(err error, format string, args ...interface{}) error {
    return mark(errors.Wrapf(err, format, args...), ErrTransport)
}

var codes = []struct {
    code string
    err  error
}{
    {"not-leading", ErrNotLeading},
    {"invalid-operation", ErrInvalidOperation},
    {"topology-changed", ErrTopologyChanged},
    {"concurrency", ErrConcurrency},
    {"apply", ErrApply},
    {"transport", ErrTransport},
}

// Code names the category of err for management responses, or "" when err
// carries none.
func Code(err error) string {
    for _, c := range codes {
        if errors.Is(err, c.err) { return c.code }
    }
    return ""
}

// FromCode rebuilds a categorized error received from a remote node.
func FromCode(code, msg string) error {
    for _, c := range codes {
        if c.code == code { return mark(errors.Newf("%s", msg), c.err) }
    }
    return errors.Newf("%s", msg)
}
