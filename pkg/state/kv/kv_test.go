package kv

import (
    "bytes"
    "context"
    "encoding/json"
    "testing"

    "github.com/amirimatin/go-rachis/pkg/consensus"
)

func entry(t *testing.T, idx uint64, typ string, op Op) consensus.Entry {
    t.Helper()
    cmd, err := Encode(typ, op)
    if err != nil { t.Fatalf("encode: %v", err) }
    return consensus.Entry{Index: idx, Term: 1, Flags: consensus.FlagCommand, Type: cmd.Type, Payload: cmd.Payload}
}

func apply(t *testing.T, s *Store, e consensus.Entry) Result {
    t.Helper()
    out, err := s.Apply(context.Background(), e)
    if err != nil { t.Fatalf("apply %d: %v", e.Index, err) }
    var r Result
    if err := json.Unmarshal(out, &r); err != nil { t.Fatalf("decode result: %v", err) }
    return r
}

func TestStore_PutDeleteCAS(t *testing.T) {
    s := New()
    r := apply(t, s, entry(t, 1, OpPut, Op{Key: "a", Value: "1"}))
    if !r.Applied || r.Item.Version != 1 { t.Fatalf("put: %+v", r) }

    r = apply(t, s, entry(t, 2, OpCAS, Op{Key: "a", Value: "2", Version: 7}))
    if r.Applied { t.Fatalf("stale cas applied") }
    if r.Item.Value != "1" { t.Fatalf("stale cas should report current value, got %+v", r.Item) }

    r = apply(t, s, entry(t, 3, OpCAS, Op{Key: "a", Value: "2", Version: 1}))
    if !r.Applied || r.Item.Version != 2 || r.Item.Index != 3 { t.Fatalf("cas: %+v", r) }

    r = apply(t, s, entry(t, 4, OpDelete, Op{Key: "a"}))
    if !r.Applied { t.Fatalf("delete not applied") }
    if _, ok := s.Get("a"); ok { t.Fatalf("key still present") }

    r = apply(t, s, entry(t, 5, OpDelete, Op{Key: "a"}))
    if r.Applied { t.Fatalf("delete of missing key reported applied") }
}

func TestStore_InvalidCommandsAreResults(t *testing.T) {
    s := New()
    apply(t, s, entry(t, 1, OpPut, Op{Key: "k", Value: "v"}))
    for i, e := range []consensus.Entry{
        entry(t, 2, OpPut, Op{}),
        entry(t, 3, "bogus", Op{Key: "k"}),
        {Index: 4, Type: OpPut, Payload: []byte("{")},
    } {
        if err := s.Validate(e.Type, e.Payload); err == nil { t.Fatalf("case %d: validate accepted %q", i, e.Payload) }
        r := apply(t, s, e)
        if r.Applied || r.Error == "" { t.Fatalf("case %d: expected an error result, got %+v", i, r) }
    }
    if it, _ := s.Get("k"); it.Value != "v" || it.Version != 1 { t.Fatalf("invalid commands changed state: %+v", it) }
    if err := s.Validate(OpCAS, []byte(`{"key":"k","version":1}`)); err != nil { t.Fatalf("validate: %v", err) }
}

func TestStore_SnapshotRestore(t *testing.T) {
    s := New()
    apply(t, s, entry(t, 1, OpPut, Op{Key: "b", Value: "2"}))
    apply(t, s, entry(t, 2, OpPut, Op{Key: "a", Value: "1"}))

    var snap bytes.Buffer
    if err := s.Snapshot(&snap); err != nil { t.Fatalf("snapshot: %v", err) }
    first := snap.String()

    apply(t, s, entry(t, 3, OpDelete, Op{Key: "a"}))

    s2 := New()
    if err := s2.Restore(bytes.NewReader(snap.Bytes())); err != nil { t.Fatalf("restore: %v", err) }
    if s2.Len() != 2 { t.Fatalf("restored %d keys, want 2", s2.Len()) }
    var snap2 bytes.Buffer
    if err := s2.Snapshot(&snap2); err != nil { t.Fatalf("snapshot2: %v", err) }
    if snap2.String() != first {
        t.Fatalf("round-trip mismatch:\n got: %s\nwant: %s", snap2.String(), first)
    }
}
