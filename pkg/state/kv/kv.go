// Package kv is a small cluster-metadata store: a versioned string map driven
// by replicated commands.
package kv

import (
    "context"
    "encoding/json"
    "io"
    "sort"
    "sync"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    base "github.com/amirimatin/go-rachis/pkg/state"
)

// Command types understood by the store.
const (
    OpPut    = "put"
    OpDelete = "delete"
    // OpCAS writes Value only when the key's current version is Version. A
    // stale version is reported with Applied=false, not as an error.
    OpCAS = "cas"
)

// Op is the payload of a command entry.
type Op struct {
    Key     string `json:"key"`
    Value   string `json:"value,omitempty"`
    Version uint64 `json:"version,omitempty"`
}

// Item is one stored value.
type Item struct {
    Key     string `json:"key"`
    Value   string `json:"value"`
    Version uint64 `json:"version"`
    // Index is the log index of the last write.
    Index uint64 `json:"index"`
}

// Result is returned from Apply, JSON-encoded. Error is set when the command
// itself was invalid; such a command changes nothing.
type Result struct {
    Item    *Item  `json:"item,omitempty"`
    Applied bool   `json:"applied"`
    Error   string `json:"error,omitempty"`
}

var errEmptyKey = errors.New("kv: empty key")

func decode(typ string, payload []byte) (Op, error) {
    var op Op
    switch typ {
    case OpPut, OpDelete, OpCAS:
    default:
        return op, errors.Newf("kv: unknown command type %q", typ)
    }
    if err := json.Unmarshal(payload, &op); err != nil { return op, errors.Wrapf(err, "kv: decode %s", typ) }
    if op.Key == "" { return op, errEmptyKey }
    return op, nil
}

// Validate rejects commands Apply would refuse.
func (s *Store) Validate(typ string, payload []byte) error {
    _, err := decode(typ, payload)
    return err
}

// Store is an in-memory FSM of versioned keys.
type Store struct {
    mu    sync.RWMutex
    items map[string]Item
    // applied is the last applied index.
    applied uint64
}

func New() *Store { return &Store{items: make(map[string]Item)} }

// Encode builds a command for op.
func Encode(typ string, op Op) (consensus.Command, error) {
    b, err := json.Marshal(op)
    if err != nil { return consensus.Command{}, err }
    return consensus.Command{Type: typ, Payload: b}, nil
}

// Apply executes one command. Invalid commands are answered with
// Result.Error; every replica reaches the same verdict, so none of them halts.
func (s *Store) Apply(_ context.Context, e consensus.Entry) ([]byte, error) {
    op, err := decode(e.Type, e.Payload)
    s.mu.Lock(); defer s.mu.Unlock()
    s.applied = e.Index
    if err != nil { return json.Marshal(Result{Error: err.Error()}) }
    res := Result{}
    cur, exists := s.items[op.Key]
    switch e.Type {
    case OpPut:
        it := Item{Key: op.Key, Value: op.Value, Version: cur.Version + 1, Index: e.Index}
        s.items[op.Key] = it
        res = Result{Item: &it, Applied: true}
    case OpDelete:
        if exists {
            delete(s.items, op.Key)
            res = Result{Item: &cur, Applied: true}
        }
    case OpCAS:
        if cur.Version == op.Version {
            it := Item{Key: op.Key, Value: op.Value, Version: cur.Version + 1, Index: e.Index}
            s.items[op.Key] = it
            res = Result{Item: &it, Applied: true}
        } else if exists {
            res = Result{Item: &cur}
        }
    }
    return json.Marshal(res)
}

// Get returns the current item for key.
func (s *Store) Get(key string) (Item, bool) {
    s.mu.RLock(); defer s.mu.RUnlock()
    it, ok := s.items[key]
    return it, ok
}

// Len returns the number of keys.
func (s *Store) Len() int {
    s.mu.RLock(); defer s.mu.RUnlock()
    return len(s.items)
}

// Snapshot encodes state as a stable JSON for ease of debugging/migration.
func (s *Store) Snapshot(w io.Writer) error {
    s.mu.RLock(); defer s.mu.RUnlock()
    arr := make([]Item, 0, len(s.items))
    for _, v := range s.items { arr = append(arr, v) }
    sort.Slice(arr, func(i, j int) bool { return arr[i].Key < arr[j].Key })
    return json.NewEncoder(w).Encode(struct{
        Version int    `json:"version"`
        Applied uint64 `json:"applied"`
        Items   []Item `json:"items"`
    }{Version: 1, Applied: s.applied, Items: arr})
}

func (s *Store) Restore(r io.Reader) error {
    var snapshot struct{
        Version int    `json:"version"`
        Applied uint64 `json:"applied"`
        Items   []Item `json:"items"`
    }
    if err := json.NewDecoder(r).Decode(&snapshot); err != nil {
        return errors.Wrap(err, "kv: decode snapshot")
    }
    if snapshot.Version != 1 { return errors.Newf("kv: unsupported snapshot version %d", snapshot.Version) }
    s.mu.Lock(); defer s.mu.Unlock()
    s.items = make(map[string]Item, len(snapshot.Items))
    for _, v := range snapshot.Items {
        if v.Key == "" { continue }
        s.items[v.Key] = v
    }
    s.applied = snapshot.Applied
    return nil
}

var (
    _ base.StateMachine = (*Store)(nil)
    _ base.Validator    = (*Store)(nil)
)
