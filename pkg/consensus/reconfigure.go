package consensus

import "context"

// Reconfigurer optionally allows topology changes (adding/removing nodes) in
// the underlying consensus engine. Changes go through the replicated log and
// are effective once committed.
type Reconfigurer interface {
    AddMember(ctx context.Context, tag, url string) error
    AddPromotable(ctx context.Context, tag, url string) error
    AddWatcher(ctx context.Context, tag, url string) error
    RemoveFromTopology(ctx context.Context, tag string) error
}

// Bootstrapper is implemented by engines that can found a new cluster with
// the local node as its only member.
type Bootstrapper interface {
    Bootstrap(ctx context.Context) error
}

// ResultLookup is implemented by engines that remember recently applied
// request ids. A hit means the command was applied; the result may be nil
// when it was learned from a snapshot.
type ResultLookup interface {
    AppliedResult(requestID string) ([]byte, bool)
}

// ForwardTracker is implemented by engines that can watch for a command this
// node forwarded to a leader. The waiter for requestID fails with
// ErrNotLeading when some other entry is applied at index.
type ForwardTracker interface {
    TrackForwarded(requestID string, index uint64)
}
