// Package hostexec builds commands that run inside an emulated host.
package hostexec

import (
	"context"
	"os/exec"
	"strings"
)

// Runner prefixes in-host commands with a wrapper such as Mininet's "m <host>".
type Runner struct {
	prefix []string
}

// NewRunner creates a runner. "{host}" in prefix is replaced by the host name.
func NewRunner(prefix []string) *Runner {
	return &Runner{prefix: append([]string(nil), prefix...)}
}

// Argv returns the full argument vector for argv executed on host. An empty
// host, or a runner without a prefix, runs argv in the root namespace.
func (r *Runner) Argv(host string, argv ...string) []string {
	if host == "" || len(r.prefix) == 0 {
		return append([]string(nil), argv...)
	}
	out := make([]string, 0, len(r.prefix)+len(argv))
	for _, p := range r.prefix {
		out = append(out, strings.ReplaceAll(p, "{host}", host))
	}
	return append(out, argv...)
}

// Command builds an *exec.Cmd for argv on host.
func (r *Runner) Command(ctx context.Context, host string, argv ...string) *exec.Cmd {
	full := r.Argv(host, argv...)
	return exec.CommandContext(ctx, full[0], full[1:]...)
}

// Binary returns the executable that will actually be resolved for argv on
// host, so preflight checks look up the wrapper rather than the in-host tool.
func (r *Runner) Binary(host string, tool string) string {
	return r.Argv(host, tool)[0]
}

// Expand substitutes {key} placeholders in every element of tmpl.
func Expand(tmpl []string, vars map[string]string) []string {
	out := make([]string, len(tmpl))
	for i, s := range tmpl {
		for k, v := range vars {
			s = strings.ReplaceAll(s, "{"+k+"}", v)
		}
		out[i] = s
	}
	return out
}
