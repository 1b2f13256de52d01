// Package bootstrap assembles a node from a flat Config: durable log and
// snapshots, the peer transport, the consensus engine, gossip and the
// management endpoint.
package bootstrap

import (
    "context"
    "crypto/tls"
    "log"
    "path/filepath"
    "time"

    "github.com/BurntSushi/toml"
    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-rachis/pkg/cluster"
    "github.com/amirimatin/go-rachis/pkg/consensus"
    "github.com/amirimatin/go-rachis/pkg/consensus/logstore"
    "github.com/amirimatin/go-rachis/pkg/consensus/rachis"
    dStatic "github.com/amirimatin/go-rachis/pkg/discovery/static"
    "github.com/amirimatin/go-rachis/pkg/membership"
    ml "github.com/amirimatin/go-rachis/pkg/membership/memberlist"
    tlsx "github.com/amirimatin/go-rachis/pkg/security/tlsconfig"
    "github.com/amirimatin/go-rachis/pkg/snapshot"
    "github.com/amirimatin/go-rachis/pkg/state"
    "github.com/amirimatin/go-rachis/pkg/state/kv"
    "github.com/amirimatin/go-rachis/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-rachis/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-rachis/pkg/transport/httpjson"
    "github.com/amirimatin/go-rachis/pkg/transport/tcp"
    "github.com/amirimatin/go-rachis/pkg/waiter"
)

// Duration decodes TOML strings such as "300ms".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(b []byte) error {
    v, err := time.ParseDuration(string(b))
    if err != nil { return errors.Wrapf(err, "bootstrap: duration %q", b) }
    d.Duration = v
    return nil
}

// Config defines high-level inputs to assemble a node. Applications embed
// the cluster by providing this structure and calling Build/Run. Every field
// with a toml tag can come from a file, see LoadFile.
type Config struct {
    // Tag is the node's stable identity in the topology.
    Tag string `toml:"tag"`

    // Consensus transport; Advertise defaults to the bound address.
    Bind      string `toml:"bind"`
    Advertise string `toml:"advertise"`

    // Membership gossip
    MemBind string   `toml:"mem_bind"`
    MemAdv  string   `toml:"mem_advertise"`
    Seeds   []string `toml:"seeds"`

    // Management API (status/log/submit/topology/metrics)
    MgmtAddr string `toml:"mgmt_addr"`
    // MgmtAdvertise is gossiped to peers; defaults to MgmtAddr.
    MgmtAdvertise string `toml:"mgmt_advertise"`
    MgmtProto     string `toml:"mgmt_proto"` // "http" (default) or "grpc"

    // Persistence: empty DataDir keeps log and snapshots in memory.
    DataDir        string `toml:"data_dir"`
    SnapshotRetain int    `toml:"snapshot_retain"`
    Bootstrap      bool   `toml:"bootstrap"`
    AutoJoin       bool   `toml:"auto_join"`

    // Engine tuning; zero selects the engine defaults.
    ElectionTimeout   Duration `toml:"election_timeout"`
    SnapshotThreshold int      `toml:"snapshot_threshold"`
    MaxInFlight       int      `toml:"max_in_flight"`
    DedupWindow       int      `toml:"dedup_window"`

    // TLS applies to the consensus transport and the management API.
    TLS tlsx.Options `toml:"tls"`

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger `toml:"-"`
    // StateMachine defaults to the kv metadata store.
    StateMachine state.StateMachine `toml:"-"`
    // OnLeaderChange is passed to the cluster facade.
    OnLeaderChange func(info consensus.LeaderInfo) `toml:"-"`
}

// LoadFile decodes a TOML config file. Unknown keys are rejected.
func LoadFile(path string) (Config, error) {
    var cfg Config
    md, err := toml.DecodeFile(path, &cfg)
    if err != nil { return cfg, errors.Wrapf(err, "bootstrap: read %s", path) }
    if un := md.Undecoded(); len(un) > 0 { return cfg, errors.Newf("bootstrap: unknown keys in %s: %v", path, un) }
    return cfg, nil
}

// Validate checks required fields.
func (c Config) Validate() error {
    if c.Tag == "" { return errors.New("bootstrap: tag is required") }
    if c.Bind == "" { return errors.New("bootstrap: bind is required") }
    if c.MgmtProto != "" && c.MgmtProto != "http" && c.MgmtProto != "grpc" {
        return errors.Newf("bootstrap: unknown management protocol %q", c.MgmtProto)
    }
    return c.TLS.Validate()
}

func (c *Config) setDefaults() {
    if c.Logger == nil { c.Logger = log.Default() }
    if c.StateMachine == nil { c.StateMachine = kv.New() }
    if c.MgmtAdvertise == "" { c.MgmtAdvertise = c.MgmtAddr }
    if c.SnapshotRetain == 0 { c.SnapshotRetain = 2 }
}

type tlsPair struct{ server, client *tls.Config }

func (c Config) tlsConfigs() (tlsPair, error) {
    if !c.TLS.Enable { return tlsPair{}, nil }
    // Hot-reload configs allow rotation by replacing the files.
    s, err := c.TLS.ServerHotReload()
    if err != nil { return tlsPair{}, err }
    cl, err := c.TLS.ClientHotReload()
    if err != nil { return tlsPair{}, err }
    return tlsPair{server: s, client: cl}, nil
}

func (c Config) stores() (*logstore.Log, *snapshot.Store, error) {
    if c.DataDir == "" { return logstore.NewInmem(), snapshot.NewInmemStore(), nil }
    lg, err := logstore.OpenBolt(c.DataDir)
    if err != nil { return nil, nil, err }
    snaps, err := snapshot.NewFileStore(filepath.Join(c.DataDir, "snapshots"), c.SnapshotRetain, c.Logger)
    if err != nil {
        _ = lg.Close()
        return nil, nil, err
    }
    return lg, snaps, nil
}

func (c Config) management(tp tlsPair) (transport.RPCServer, transport.RPCClient) {
    if c.MgmtAddr == "" { return nil, nil }
    switch c.MgmtProto {
    case "grpc":
        s := mgmtgrpc.NewServer(c.MgmtAddr)
        cl := mgmtgrpc.NewClient(3 * time.Second)
        if tp.server != nil { s.UseTLS(tp.server); cl.UseTLS(tp.client) }
        return s, cl
    default:
        s := httpjson.NewServer(c.MgmtAddr, c.Logger)
        cl := httpjson.NewClient(3 * time.Second)
        if tp.server != nil { s.UseTLS(tp.server); cl.UseTLS(tp.client) }
        return s, cl
    }
}

// Build assembles a cluster.Cluster from Config without starting it. The
// consensus listener is bound here so its advertised address is known.
func Build(cfg Config) (*cluster.Cluster, error) {
    if err := cfg.Validate(); err != nil { return nil, err }
    cfg.setDefaults()
    tp, err := cfg.tlsConfigs()
    if err != nil { return nil, err }

    lg, snaps, err := cfg.stores()
    if err != nil { return nil, err }
    tr, err := tcp.Listen(tcp.Options{Bind: cfg.Bind, Advertise: cfg.Advertise, ServerTLS: tp.server, ClientTLS: tp.client})
    if err != nil {
        _ = lg.Close()
        return nil, err
    }
    waiters := waiter.New()
    node, err := rachis.New(rachis.Options{
        Tag:               cfg.Tag,
        Transport:         tr,
        StateMachine:      cfg.StateMachine,
        Log:               lg,
        Snapshots:         snaps,
        Waiters:           waiters,
        ElectionTimeout:   cfg.ElectionTimeout.Duration,
        SnapshotThreshold: cfg.SnapshotThreshold,
        MaxInFlight:       cfg.MaxInFlight,
        DedupWindow:       cfg.DedupWindow,
        Logger:            cfg.Logger,
    })
    if err != nil {
        _ = tr.Close()
        _ = lg.Close()
        return nil, err
    }

    opts := cluster.Options{
        Consensus:      node,
        URL:            node.URL(),
        Waiters:        waiters,
        Bootstrap:      cfg.Bootstrap,
        AutoJoin:       cfg.AutoJoin,
        Logger:         cfg.Logger,
        OnLeaderChange: cfg.OnLeaderChange,
    }
    opts.RPCServer, opts.RPCClient = cfg.management(tp)

    // Gossip carries the management address for forwarding to the leader and
    // the consensus URL for auto-join.
    if cfg.MemBind != "" {
        meta := map[string]string{membership.MetaRachis: node.URL()}
        if cfg.MgmtAdvertise != "" { meta[membership.MetaMgmt] = cfg.MgmtAdvertise }
        mem, err := ml.New(ml.Options{Tag: cfg.Tag, Bind: cfg.MemBind, Advertise: cfg.MemAdv, Logger: cfg.Logger, Meta: meta})
        if err != nil {
            _ = tr.Close()
            _ = lg.Close()
            return nil, err
        }
        self := cfg.MemAdv
        if self == "" { self = cfg.MemBind }
        opts.Membership = mem
        opts.Discovery = dStatic.New(self, cfg.Seeds...)
    }
    cl, err := cluster.New(opts)
    if err != nil {
        _ = tr.Close()
        _ = lg.Close()
        return nil, err
    }
    return cl, nil
}

// Run builds and starts the cluster, returning the instance for lifecycle
// control. The caller is responsible for calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*cluster.Cluster, error) {
    cl, err := Build(cfg)
    if err != nil { return nil, err }
    if err := cl.Start(ctx); err != nil {
        _ = cl.Close()
        return nil, err
    }
    return cl, nil
}
