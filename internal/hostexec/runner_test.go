package hostexec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunner_Argv(t *testing.T) {
	r := NewRunner([]string{"m", "{host}"})
	assert.Equal(t, []string{"m", "h1", "tcpdump", "-i", "h1-eth0"}, r.Argv("h1", "tcpdump", "-i", "h1-eth0"))
	assert.Equal(t, []string{"tcpdump", "-i", "any"}, r.Argv("", "tcpdump", "-i", "any"))
	assert.Equal(t, "m", r.Binary("h1", "tcpdump"))
	assert.Equal(t, "tcpdump", r.Binary("", "tcpdump"))

	bare := NewRunner(nil)
	assert.Equal(t, []string{"ping", "h2"}, bare.Argv("h1", "ping", "h2"))

	cmd := r.Command(context.Background(), "h3", "hping3", "-S")
	assert.Equal(t, []string{"m", "h3", "hping3", "-S"}, cmd.Args)
}

func TestExpand(t *testing.T) {
	got := Expand([]string{"ping", "-c", "3", "{victim}", "{attacker}-{victim}"}, map[string]string{"victim": "10.0.0.2", "attacker": "h1"})
	assert.Equal(t, []string{"ping", "-c", "3", "10.0.0.2", "h1-10.0.0.2"}, got)
}
