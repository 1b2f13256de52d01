package cluster

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/membership"
    obsmetrics "github.com/amirimatin/go-rachis/pkg/observability/metrics"
)

type EventType string

const (
    EventLeaderChanged EventType = "leader_changed"
    EventMemberJoin    EventType = "member_join"
    EventMemberLeave   EventType = "member_leave"
    EventMemberUpdate  EventType = "member_update"
    // EventPromotableAdded is published by the leader when it adds a
    // gossip-discovered node to the topology.
    EventPromotableAdded EventType = "promotable_added"
    // EventTopologyChanged is published by the node that carried out a
    // topology request, once the change is committed.
    EventTopologyChanged EventType = "topology_changed"
)

// Event describes a cluster state change. Only the fields relevant to Type
// are set.
type Event struct {
    Type     EventType
    At       time.Time
    Leader   *consensus.LeaderInfo
    Member   *membership.MemberInfo
    Topology *consensus.Topology
    Term     uint64
}

// Subscribe returns a buffered channel of events, closed when ctx is done.
// With no types every event is delivered. Delivery is best effort: events
// for a full channel are dropped and counted in go_rachis_events_dropped_total.
func (c *Cluster) Subscribe(ctx context.Context, types ...EventType) <-chan Event {
    s := &subscriber{ch: make(chan Event, 64)}
    if len(types) > 0 {
        s.only = make(map[EventType]bool, len(types))
        for _, t := range types { s.only[t] = true }
    }
    c.eb.add(s)
    go func() {
        <-ctx.Done()
        c.eb.remove(s)
    }()
    return s.ch
}

type subscriber struct {
    ch   chan Event
    only map[EventType]bool
}

func (s *subscriber) wants(t EventType) bool { return s.only == nil || s.only[t] }

type eventBus struct {
    mu   sync.Mutex
    subs map[*subscriber]struct{}
}

func (e *eventBus) add(s *subscriber) {
    e.mu.Lock()
    defer e.mu.Unlock()
    if e.subs == nil { e.subs = make(map[*subscriber]struct{}) }
    e.subs[s] = struct{}{}
}

// remove closes the channel under the lock so publish never sends on it
// afterwards.
func (e *eventBus) remove(s *subscriber) {
    e.mu.Lock()
    defer e.mu.Unlock()
    if _, ok := e.subs[s]; !ok { return }
    delete(e.subs, s)
    close(s.ch)
}

func (e *eventBus) publish(ev Event) {
    if ev.At.IsZero() { ev.At = time.Now() }
    e.mu.Lock()
    defer e.mu.Unlock()
    for s := range e.subs {
        if !s.wants(ev.Type) { continue }
        select {
        case s.ch <- ev:
        default:
            obsmetrics.EventsDropped.WithLabelValues(string(ev.Type)).Inc()
        }
    }
}
