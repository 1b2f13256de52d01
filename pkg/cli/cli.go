package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "os/signal"
    "path/filepath"
    "strconv"
    "syscall"
    "time"

    "github.com/dustin/go-humanize"
    "github.com/google/uuid"
    "github.com/spf13/cobra"

    "github.com/amirimatin/go-rachis/pkg/bootstrap"
    dStatic "github.com/amirimatin/go-rachis/pkg/discovery/static"
    "github.com/amirimatin/go-rachis/pkg/internal/logutil"
    tracing "github.com/amirimatin/go-rachis/pkg/observability/tracing"
    tlsx "github.com/amirimatin/go-rachis/pkg/security/tlsconfig"
    "github.com/amirimatin/go-rachis/pkg/snapshot"
    "github.com/amirimatin/go-rachis/pkg/state/kv"
    "github.com/amirimatin/go-rachis/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-rachis/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-rachis/pkg/transport/httpjson"
)

// AddAll attaches the node commands (run/status/log/submit/topology/snapshot)
// to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewLogCmd())
    root.AddCommand(NewSubmitCmd())
    root.AddCommand(NewTopologyCmd())
    root.AddCommand(NewSnapshotCmd())
}

// NewClusterCommand returns a parent command "cluster" holding every node
// command, for services that embed the CLI.
func NewClusterCommand() *cobra.Command {
    parent := &cobra.Command{Use: "cluster", Short: "cluster management commands"}
    AddAll(parent)
    return parent
}

// NewRunCmd returns the "run" command used to start a node. Flags override
// values read from --config.
func NewRunCmd() *cobra.Command {
    var (
        cfgPath, seeds       string
        traceEnable, logJSON bool
        electionTimeout      time.Duration
        flags                bootstrap.Config
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a rachis node",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg := bootstrap.Config{}
            if cfgPath != "" {
                var err error
                if cfg, err = bootstrap.LoadFile(cfgPath); err != nil { return err }
            }
            mergeFlags(cmd, &cfg, flags, seeds, electionTimeout)
            if logJSON { logutil.SetJSON(true) }
            cfg.Logger = log.Default()

            ctx, cancel := signalContext()
            defer cancel()
            if traceEnable {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    log.Printf("tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            cl, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer cl.Close()

            fmt.Printf("node %s running. Press Ctrl+C to exit.\n", cfg.Tag)
            <-ctx.Done()
            return nil
        },
    }
    f := cmd.Flags()
    f.StringVar(&cfgPath, "config", "", "TOML config file")
    f.StringVar(&flags.Tag, "tag", "", "node tag (required)")
    f.StringVar(&flags.Bind, "bind", ":7300", "consensus bind addr (tcp)")
    f.StringVar(&flags.Advertise, "advertise", "", "consensus address peers dial (defaults to the bound address)")
    f.StringVar(&flags.MemBind, "mem-bind", "", "membership bind addr (host:port); empty disables gossip")
    f.StringVar(&flags.MemAdv, "mem-adv", "", "membership advertise addr (host:port, optional)")
    f.StringVar(&seeds, "join", "", "comma-separated membership seeds (host:port)")
    f.StringVar(&flags.MgmtAddr, "mgmt-addr", ":17300", "management address (tcp)")
    f.StringVar(&flags.MgmtAdvertise, "mgmt-adv", "", "management address gossiped to peers")
    f.StringVar(&flags.MgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    f.StringVar(&flags.DataDir, "data", "", "data dir for the log and snapshots (empty keeps them in memory)")
    f.BoolVar(&flags.Bootstrap, "bootstrap", false, "found a new single-member cluster if this node has no topology")
    f.BoolVar(&flags.AutoJoin, "auto-join", false, "leader adds gossip-discovered nodes as promotables")
    f.DurationVar(&electionTimeout, "election-timeout", 0, "election timeout (all nodes must agree)")
    f.BoolVar(&flags.TLS.Enable, "tls-enable", false, "enable mTLS for consensus and management traffic")
    f.StringVar(&flags.TLS.CAFile, "tls-ca", "", "path to CA cert (PEM)")
    f.StringVar(&flags.TLS.CertFile, "tls-cert", "", "path to node certificate (PEM)")
    f.StringVar(&flags.TLS.KeyFile, "tls-key", "", "path to node private key (PEM)")
    f.BoolVar(&flags.TLS.InsecureSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    f.StringVar(&flags.TLS.ServerName, "tls-server-name", "", "expected server name (for TLS validation)")
    f.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    f.BoolVar(&logJSON, "log-json", false, "emit JSON log lines")
    return cmd
}

// mergeFlags copies every flag the user set onto cfg. Defaults only fill
// fields the file left empty.
func mergeFlags(cmd *cobra.Command, cfg *bootstrap.Config, fl bootstrap.Config, seeds string, et time.Duration) {
    set := func(name string, dst *string, v string) {
        if cmd.Flags().Changed(name) || *dst == "" { *dst = v }
    }
    set("tag", &cfg.Tag, fl.Tag)
    set("bind", &cfg.Bind, fl.Bind)
    set("advertise", &cfg.Advertise, fl.Advertise)
    set("mem-bind", &cfg.MemBind, fl.MemBind)
    set("mem-adv", &cfg.MemAdv, fl.MemAdv)
    set("mgmt-addr", &cfg.MgmtAddr, fl.MgmtAddr)
    set("mgmt-adv", &cfg.MgmtAdvertise, fl.MgmtAdvertise)
    set("mgmt-proto", &cfg.MgmtProto, fl.MgmtProto)
    set("data", &cfg.DataDir, fl.DataDir)
    if cmd.Flags().Changed("join") { cfg.Seeds = dStatic.Parse(seeds) }
    if cmd.Flags().Changed("bootstrap") { cfg.Bootstrap = fl.Bootstrap }
    if cmd.Flags().Changed("auto-join") { cfg.AutoJoin = fl.AutoJoin }
    if cmd.Flags().Changed("election-timeout") { cfg.ElectionTimeout.Duration = et }
    if cmd.Flags().Changed("tls-enable") { cfg.TLS.Enable = fl.TLS.Enable }
    if cmd.Flags().Changed("tls-skip-verify") { cfg.TLS.InsecureSkipVerify = fl.TLS.InsecureSkipVerify }
    set("tls-ca", &cfg.TLS.CAFile, fl.TLS.CAFile)
    set("tls-cert", &cfg.TLS.CertFile, fl.TLS.CertFile)
    set("tls-key", &cfg.TLS.KeyFile, fl.TLS.KeyFile)
    set("tls-server-name", &cfg.TLS.ServerName, fl.TLS.ServerName)
}

// mgmtFlags are shared by the commands that talk to a running node.
type mgmtFlags struct {
    addr, proto string
    timeout     time.Duration
    tls         tlsx.Options
}

func (m *mgmtFlags) register(cmd *cobra.Command) {
    f := cmd.Flags()
    f.StringVar(&m.addr, "addr", "127.0.0.1:17300", "management address of a node (host:port)")
    f.StringVar(&m.proto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    f.DurationVar(&m.timeout, "timeout", 3*time.Second, "request timeout")
    f.BoolVar(&m.tls.Enable, "tls-enable", false, "enable mTLS for management transport")
    f.StringVar(&m.tls.CAFile, "tls-ca", "", "path to CA cert (PEM)")
    f.StringVar(&m.tls.CertFile, "tls-cert", "", "path to client certificate (PEM)")
    f.StringVar(&m.tls.KeyFile, "tls-key", "", "path to client private key (PEM)")
    f.BoolVar(&m.tls.InsecureSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    f.StringVar(&m.tls.ServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (m *mgmtFlags) client() (transport.RPCClient, error) {
    cliTLS, err := m.tls.Client()
    if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    switch m.proto {
    case "grpc":
        cli := mgmtgrpc.NewClient(m.timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        return cli, nil
    default:
        cli := httpjson.NewClient(m.timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        return cli, nil
    }
}

func (m *mgmtFlags) context() (context.Context, context.CancelFunc) {
    return context.WithTimeout(context.Background(), m.timeout)
}

func printJSON(v any) error {
    enc := json.NewEncoder(os.Stdout)
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var m mgmtFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch node status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := m.client()
            if err != nil { return err }
            ctx, cancel := m.context()
            defer cancel()
            data, err := client.GetStatus(ctx, m.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            os.Stdout.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { os.Stdout.Write([]byte("\n")) }
            return nil
        },
    }
    m.register(cmd)
    return cmd
}

// NewLogCmd returns the "log" command printing a node's log summary.
func NewLogCmd() *cobra.Command {
    var (
        m   mgmtFlags
        max int
    )
    cmd := &cobra.Command{
        Use:   "log",
        Short: "Print a node's log summary and its newest entries",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := m.client()
            if err != nil { return err }
            ctx, cancel := m.context()
            defer cancel()
            sum, err := client.GetLog(ctx, m.addr, max)
            if err != nil { return fmt.Errorf("log error: %w", err) }
            return printJSON(sum)
        },
    }
    m.register(cmd)
    cmd.Flags().IntVar(&max, "max", 20, "number of newest entries to include")
    return cmd
}

// NewSubmitCmd returns the "submit" command. It appends a kv command through
// the given node, which must be the leader. The result is applied
// asynchronously; the command prints the log index.
func NewSubmitCmd() *cobra.Command {
    var m mgmtFlags
    cmd := &cobra.Command{
        Use:   "submit put|delete|cas KEY [VALUE] [VERSION]",
        Short: "Append a key/value command to the replicated log",
        Args:  cobra.RangeArgs(2, 4),
        RunE: func(cmd *cobra.Command, args []string) error {
            op := kv.Op{Key: args[1]}
            if len(args) > 2 { op.Value = args[2] }
            if len(args) > 3 {
                v, err := strconv.ParseUint(args[3], 10, 64)
                if err != nil { return fmt.Errorf("version: %w", err) }
                op.Version = v
            }
            switch args[0] {
            case kv.OpPut, kv.OpDelete, kv.OpCAS:
            default:
                return fmt.Errorf("unknown operation %q", args[0])
            }
            command, err := kv.Encode(args[0], op)
            if err != nil { return err }
            command.RequestID = uuid.NewString()

            client, err := m.client()
            if err != nil { return err }
            ctx, cancel := m.context()
            defer cancel()
            resp, err := client.PostSubmit(ctx, m.addr, transport.SubmitRequest{Command: command})
            if err != nil {
                if resp.Leader != "" { return fmt.Errorf("submit error: %w (leader is %s)", err, resp.Leader) }
                return fmt.Errorf("submit error: %w", err)
            }
            return printJSON(resp)
        },
    }
    m.register(cmd)
    return cmd
}

// NewTopologyCmd returns the "topology" command.
func NewTopologyCmd() *cobra.Command {
    var (
        m        mgmtFlags
        tag, url string
    )
    cmd := &cobra.Command{
        Use:   "topology add-member|add-promotable|add-watcher|remove",
        Short: "Change the cluster topology through the leader",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            if tag == "" { return fmt.Errorf("missing required flag: --tag") }
            switch args[0] {
            case transport.ActionAddMember, transport.ActionAddPromotable, transport.ActionAddWatcher:
                if url == "" { return fmt.Errorf("missing required flag: --url") }
            case transport.ActionRemove:
            default:
                return fmt.Errorf("unknown action %q", args[0])
            }
            client, err := m.client()
            if err != nil { return err }
            ctx, cancel := m.context()
            defer cancel()
            resp, err := client.PostTopology(ctx, m.addr, transport.TopologyRequest{Action: args[0], Tag: tag, URL: url})
            if err != nil { return fmt.Errorf("topology error: %w", err) }
            return printJSON(resp)
        },
    }
    m.register(cmd)
    cmd.Flags().StringVar(&tag, "tag", "", "node tag (required)")
    cmd.Flags().StringVar(&url, "url", "", "node consensus address")
    return cmd
}

// NewSnapshotCmd returns the "snapshot" command with export and inspect.
func NewSnapshotCmd() *cobra.Command {
    parent := &cobra.Command{Use: "snapshot", Short: "Local snapshot tools"}

    var dataDir, out string
    export := &cobra.Command{
        Use:   "export",
        Short: "Write the newest snapshot of a stopped node to a file",
        RunE: func(cmd *cobra.Command, args []string) error {
            if dataDir == "" || out == "" { return fmt.Errorf("missing required flags: --data and --out") }
            store, err := snapshot.NewFileStore(filepath.Join(dataDir, "snapshots"), 0, log.Default())
            if err != nil { return err }
            h, err := store.Export(cmd.Context(), out)
            if err != nil { return err }
            fmt.Printf("exported snapshot at index %d term %d to %s\n", h.LastIncludedIndex, h.LastIncludedTerm, out)
            return nil
        },
    }
    export.Flags().StringVar(&dataDir, "data", "", "node data dir")
    export.Flags().StringVar(&out, "out", "", "output file")

    inspect := &cobra.Command{
        Use:   "inspect FILE",
        Short: "Print the header of an exported snapshot",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            r, err := snapshot.OpenFile(args[0])
            if err != nil { return err }
            defer r.Close()
            h, n, err := snapshot.ReadHeader(r, snapshot.AllFeatures)
            if err != nil { return err }
            return printJSON(struct {
                snapshot.Header
                StateSize string `json:"stateSize"`
            }{h, humanize.Bytes(uint64(n))})
        },
    }
    parent.AddCommand(export, inspect)
    return parent
}

func signalContext() (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithCancel(context.Background())
    go func() {
        ch := make(chan os.Signal, 1)
        signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
        <-ch
        cancel()
    }()
    return ctx, cancel
}
