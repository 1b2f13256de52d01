package static

import (
    "strings"

    "github.com/amirimatin/go-rachis/pkg/discovery"
)

type staticSeeds struct {
    seeds []string
}

func (s *staticSeeds) Seeds() []string { return append([]string(nil), s.seeds...) }

// New returns a Discovery that always returns the given seeds, skipping
// blanks and duplicates and excluding self.
func New(self string, seeds ...string) discovery.Discovery {
    seen := map[string]bool{self: true, "": true}
    out := make([]string, 0, len(seeds))
    for _, v := range seeds {
        v = strings.TrimSpace(v)
        if seen[v] { continue }
        seen[v] = true
        out = append(out, v)
    }
    return &staticSeeds{seeds: out}
}

// Parse splits a comma- or space-separated seed list.
func Parse(list string) []string {
    return strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' || r == '\n' })
}
