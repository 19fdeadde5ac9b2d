// Package sandbox launches shell commands with a timeout, a combined
// output cap, and a whitelisted environment. On macOS the command is wrapped
// in sandbox-exec with a profile that denies network and IPC and confines
// writes to ephemeral roots; elsewhere confinement is the environment
// whitelist plus the working directory.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Defaults applied when Spec fields are zero.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxOutput = 10_000
)

// TruncationMarker is appended when combined output exceeds the cap.
const TruncationMarker = "\n...[output truncated]"

// envWhitelist is the only environment passed to sandboxed commands.
var envWhitelist = []string{"PATH", "HOME", "LANG", "LC_ALL", "TZ", "TMPDIR", "TERM"}

// Spec describes one sandboxed invocation.
type Spec struct {
	// Command is passed to /bin/sh -c.
	Command string
	// Dir is the working directory; empty means the process default.
	Dir string
	// Timeout bounds wall time. Zero selects DefaultTimeout.
	Timeout time.Duration
	// MaxOutput caps combined stdout+stderr bytes. Zero selects
	// DefaultMaxOutput.
	MaxOutput int
}

// Result is the outcome of a sandboxed invocation.
type Result struct {
	Output    string
	ExitCode  int
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
	// Sandboxed reports whether an OS-level sandbox facility wrapped the
	// command, as opposed to environment-only confinement.
	Sandboxed bool
}

var (
	sandboxExecOnce sync.Once
	sandboxExecPath string
)

// sandboxExec returns the sandbox-exec path on darwin, or "".
func sandboxExec() string {
	sandboxExecOnce.Do(func() {
		if runtime.GOOS != "darwin" {
			return
		}
		if p, err := exec.LookPath("sandbox-exec"); err == nil {
			sandboxExecPath = p
		}
	})
	return sandboxExecPath
}

// profile builds the seatbelt profile: read everywhere, write only under the
// ephemeral roots, no network, no IPC.
func profile(writableRoots []string) string {
	var b strings.Builder
	b.WriteString("(version 1)\n")
	b.WriteString("(allow default)\n")
	b.WriteString("(deny network*)\n")
	b.WriteString("(deny ipc-posix*)\n")
	b.WriteString("(deny mach-lookup)\n")
	b.WriteString("(deny file-write*)\n")
	b.WriteString("(allow file-write*\n")
	for _, root := range writableRoots {
		if root == "" {
			continue
		}
		fmt.Fprintf(&b, "  (subpath %q)\n", root)
	}
	b.WriteString(")\n")
	return b.String()
}

// Run executes the spec. A non-zero exit or a timeout is reported in the
// Result, not as an error; the returned error covers only failures to spawn.
func Run(ctx context.Context, spec Spec) (*Result, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("sandbox: empty command")
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxOutput := spec.MaxOutput
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	sandboxed := false
	if sb := sandboxExec(); sb != "" {
		writable := []string{os.TempDir(), "/tmp", "/private/tmp", spec.Dir}
		cmd = exec.Command(sb, "-p", profile(writable), "/bin/sh", "-c", spec.Command)
		sandboxed = true
	} else {
		cmd = exec.Command("/bin/sh", "-c", spec.Command)
	}
	cmd.Dir = spec.Dir
	cmd.Env = whitelistedEnv()

	out := &limitedBuffer{max: maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: start: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timedOut := false
	select {
	case <-done:
	case <-ctx.Done():
		timedOut = true
		killGroup(cmd)
		// Reap the child so no zombie survives a cancelled request.
		<-done
	}

	res := &Result{
		Output:    out.String(),
		Duration:  time.Since(start),
		TimedOut:  timedOut,
		Truncated: out.Truncated(),
		Sandboxed: sandboxed,
		ExitCode:  -1,
	}
	if state := cmd.ProcessState; state != nil && !timedOut {
		res.ExitCode = state.ExitCode()
	}
	if res.Truncated {
		res.Output += TruncationMarker
	}
	return res, nil
}

func whitelistedEnv() []string {
	env := make([]string, 0, len(envWhitelist))
	for _, key := range envWhitelist {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// limitedBuffer accepts writes up to max bytes and drops the rest, recording
// that truncation happened. Safe for the two std streams writing type
// concurrently.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *limitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
