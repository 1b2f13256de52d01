package state

import (
    "context"
    "io"

    "github.com/amirimatin/go-rachis/pkg/consensus"
)

// StateMachine is the application side of the replicated log. Apply is called
// for committed command entries strictly in index order, from a single
// goroutine. An Apply error halts the node's applier until an operator
// resolves it.
type StateMachine interface {
    Apply(ctx context.Context, e consensus.Entry) ([]byte, error)
    // Snapshot writes the full state. It must not observe entries applied
    // concurrently; the engine does not call Apply while Snapshot runs.
    Snapshot(w io.Writer) error
    // Restore replaces the full state.
    Restore(r io.Reader) error
}

// Validator is implemented by state machines that can reject a command before
// it is appended. A command that would fail the same way on every node must
// be refused here rather than in Apply.
type Validator interface {
    Validate(typ string, payload []byte) error
}
