// Package discovery provides the gossip seeds a node joins through.
package discovery

// Discovery abstracts how seed nodes are provided.
type Discovery interface {
    Seeds() []string
}
