package static

import (
    "testing"

    "github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
    cases := []struct {
        in   string
        want []string
    }{
        {"", nil},
        {"a:1", []string{"a:1"}},
        {" a:1 , b:2 ", []string{"a:1", "b:2"}},
        {",,a:1, ,b:2,", []string{"a:1", "b:2"}},
        {"a:1 b:2\tc:3", []string{"a:1", "b:2", "c:3"}},
    }
    for _, c := range cases {
        got := Parse(c.in)
        if len(c.want) == 0 {
            require.Empty(t, got, c.in)
            continue
        }
        require.Equal(t, c.want, got, c.in)
    }
}

func TestNew(t *testing.T) {
    d := New("self:1", " a:1 ", "", "b:2", "a:1", "self:1")
    got := d.Seeds()
    require.Equal(t, []string{"a:1", "b:2"}, got)

    got[0] = "x"
    require.Equal(t, "a:1", d.Seeds()[0])
}
