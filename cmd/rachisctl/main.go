package main

import (
    "log"

    "github.com/spf13/cobra"

    rachiscli "github.com/amirimatin/go-rachis/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "rachisctl",
        Short:         "go-rachis node and management CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    rachiscli.AddAll(root)
    return root
}
