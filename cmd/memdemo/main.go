// Command memdemo runs only the gossip layer of a node and prints membership
// events with the endpoints each member publishes. It is useful to check
// that seeds, advertise addresses and metadata line up before starting
// consensus.
package main

import (
    "context"
    "flag"
    "fmt"
    "log"
    "os/signal"
    "syscall"
    "time"

    "github.com/amirimatin/go-rachis/pkg/discovery/static"
    base "github.com/amirimatin/go-rachis/pkg/membership"
    ml "github.com/amirimatin/go-rachis/pkg/membership/memberlist"
)

func main() {
    var (
        tag       = flag.String("tag", "node-1", "node tag")
        bind      = flag.String("bind", ":7946", "bind host:port")
        advertise = flag.String("advertise", "", "advertise host:port (optional)")
        joinCSV   = flag.String("join", "", "comma-separated seeds (host:port)")
        mgmt      = flag.String("mgmt", "", "management address to publish")
        rachisURL = flag.String("rachis", "", "consensus address to publish")
    )
    flag.Parse()

    ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer cancel()

    meta := map[string]string{}
    if *mgmt != "" { meta[base.MetaMgmt] = *mgmt }
    if *rachisURL != "" { meta[base.MetaRachis] = *rachisURL }
    m, err := ml.New(ml.Options{Tag: *tag, Bind: *bind, Advertise: *advertise, Logger: log.Default(), Meta: meta})
    if err != nil { log.Fatal(err) }
    if err := m.Start(ctx); err != nil { log.Fatal(err) }

    if seeds := static.New(*bind, static.Parse(*joinCSV)...).Seeds(); len(seeds) > 0 {
        if err := m.Join(seeds); err != nil { log.Printf("join error: %v", err) }
    }

    fmt.Println("memdemo started. Press Ctrl+C to exit.")
    go func(evch <-chan base.Event) {
        for e := range evch {
            fmt.Printf("event: %-6s tag=%s addr=%s mgmt=%s rachis=%s at=%s\n",
                e.Type, e.Member.Tag, e.Member.Addr, e.Member.MgmtAddr(), e.Member.RachisURL(), e.At.Format(time.RFC3339))
        }
    }(m.Events())

    <-ctx.Done()
    _ = m.Leave()
    _ = m.Stop()
}
