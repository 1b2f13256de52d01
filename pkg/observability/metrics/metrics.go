package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

const namespace = "go_rachis"

var (
    once sync.Once

    Term = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "term",
        Help:      "Current consensus term of this node",
    })

    Role = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "role",
        Help:      "1 for the role this node currently holds, 0 for the others",
    }, []string{"role"})

    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "is_leader",
        Help:      "1 if this node is the leader, else 0",
    })

    CommitIndex = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "commit_index",
        Help:      "Highest log index known to be committed",
    })

    AppliedIndex = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "applied_index",
        Help:      "Highest log index applied to the state machine",
    })

    TopologyMembers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "topology_nodes",
        Help:      "Number of nodes per topology section",
    }, []string{"section"})

    Elections = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "elections_total",
        Help:      "Total number of elections started by this node",
    })

    LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "leader_changes_total",
        Help:      "Total number of observed leader change events",
    })

    AppendRejections = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "append_rejections_total",
        Help:      "Total number of append entries rejected by followers",
    })

    SnapshotsSent = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "snapshot",
        Name:      "sent_total",
        Help:      "Total number of snapshots streamed to followers",
    })

    SnapshotsInstalled = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "snapshot",
        Name:      "installed_total",
        Help:      "Total number of snapshots installed from a leader",
    })

    SnapshotBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "snapshot",
        Name:      "bytes_total",
        Help:      "Total snapshot state bytes transferred",
    }, []string{"direction"})

    Negotiations = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "negotiations_total",
        Help:      "Connection negotiations by operation and outcome",
    }, []string{"operation", "outcome"})

    WaitersPending = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "waiters_pending",
        Help:      "Number of unresolved command waiters",
    })

    Submits = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "submits_total",
        Help:      "Commands submitted by result",
    }, []string{"result"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
    EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "events_dropped_total",
        Help:      "Cluster events dropped because a subscriber was slow",
    }, []string{"type"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(Term, Role, IsLeader, CommitIndex, AppliedIndex, TopologyMembers)
        prometheus.MustRegister(Elections, LeaderChanges, AppendRejections)
        prometheus.MustRegister(SnapshotsSent, SnapshotsInstalled, SnapshotBytes)
        prometheus.MustRegister(Negotiations, WaitersPending, Submits, EventsDropped)
        prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
    })
}

// SetRole flips the per-role gauges so exactly one role reads 1.
func SetRole(role string) {
    for _, r := range []string{"follower", "candidate", "leader", "passive"} {
        v := 0.0
        if r == role { v = 1 }
        Role.WithLabelValues(r).Set(v)
    }
    if role == "leader" { IsLeader.Set(1) } else { IsLeader.Set(0) }
}

// ObserveNegotiation counts one finished negotiation.
func ObserveNegotiation(operation, outcome string) {
    Negotiations.WithLabelValues(operation, outcome).Inc()
}
