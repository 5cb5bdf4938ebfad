// Package transport supplies the one concrete conn.Connection/
// module.Transport implementation the engine ships with: local shell
// execution via os/exec, the same "shell out, capture stdout and stderr"
// shape as pkg/helmexec/runner.go's ShellRunner. Spec §1 delegates the
// actual SSH wire format to a connection library the core only specifies
// the abstraction for; this package is the `ansible_connection: local`
// case of that abstraction, and the seam a real SSH dialer would plug
// into (conn.Dialer) without the rest of the engine noticing.
package transport

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/adolago/rustible/pkg/conn"
)

// Local runs commands on the machine the engine itself runs on. It
// satisfies both conn.Connection (Healthy/Close) and module.Transport
// (Run), so the pool can hand one straight to a module without an
// adapter.
type Local struct {
	host string
}

// NewLocalDialer returns a conn.Dialer that always succeeds and hands back
// a Local connection, matching "ansible_connection: local" semantics.
// auth is accepted for interface parity but unused: local execution needs
// no credential.
func NewLocalDialer() conn.Dialer {
	return func(ctx context.Context, host, auth string) (conn.Connection, error) {
		return &Local{host: host}, nil
	}
}

func (l *Local) Healthy(ctx context.Context) bool { return true }
func (l *Local) Close() error                     { return nil }

// Run shells out via /bin/sh -c, the same "one prepared *exec.Cmd, capture
// stdout and stderr into separate buffers" idiom ShellRunner.Execute uses,
// generalized from
// "run helm with these args" to "run this rendered shell command".
func (l *Local) Run(ctx context.Context, command string) (stdout, stderr string, rc int, err error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	rc = 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		rc = exitErr.ExitCode()
		runErr = nil
	}
	return outBuf.String(), errBuf.String(), rc, runErr
}
