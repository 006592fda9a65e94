package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/aifo-coder/toolexec/internal/routing"
)

// execScratchBase is the in-container directory holding per-exec scratch
// dirs; <base>/<exec-id>/pgid names the process group for signal delivery.
const execScratchBase = "/home/coder/.aifo-exec"

// probeTimeout bounds availability probes so a wedged container cannot
// stall routing.
const probeTimeout = 5 * time.Second

// CLI drives containers through the docker (or podman) command line.
type CLI struct {
	binaryPath string
}

// NewCLI resolves the container runtime binary: an explicit override wins,
// then docker, then podman.
func NewCLI(override string) (*CLI, error) {
	if override != "" {
		path, err := exec.LookPath(override)
		if err != nil {
			return nil, fmt.Errorf("container runtime %q not found: %w", override, err)
		}
		return &CLI{binaryPath: path}, nil
	}
	for _, name := range []string{"docker", "podman"} {
		if path, err := exec.LookPath(name); err == nil {
			return &CLI{binaryPath: path}, nil
		}
	}
	return nil, fmt.Errorf("no container runtime found in PATH (tried docker, podman)")
}

func (c *CLI) ContainerExists(ctx context.Context, name string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, c.binaryPath, "inspect", name)
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run() == nil
}

func (c *CLI) ToolAvailable(ctx context.Context, name, tool string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	probe := fmt.Sprintf("command -v %s >/dev/null 2>&1", shellQuote(tool))
	cmd := exec.CommandContext(ctx, c.binaryPath, "exec", name, "/bin/sh", "-c", probe)
	return cmd.Run() == nil
}

func (c *CLI) Start(spec ExecSpec) (Proc, error) {
	args := BuildExecArgs(spec)
	cmd := exec.Command(c.binaryPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr io.ReadCloser
	if !spec.MergeErr {
		if stderr, err = cmd.StderrPipe(); err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s exec: %w", filepath.Base(c.binaryPath), err)
	}
	return &cliProc{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (c *CLI) SignalGroup(ctx context.Context, container, execID string, sig Signal) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	// Missing pgid file means the group never started or already exited;
	// both are successful no-ops.
	script := fmt.Sprintf(
		`pg=%s/%s/pgid; if [ -f "$pg" ]; then n=$(cat "$pg" 2>/dev/null); if [ -n "$n" ]; then kill -s %s -"$n" || true; fi; fi`,
		execScratchBase, execID, sig)
	cmd := exec.CommandContext(ctx, c.binaryPath, "exec", container, "sh", "-c", script)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("signal %s to exec %s: %w", sig, execID, err)
	}
	return nil
}

// BuildExecArgs assembles the runtime CLI argument vector for a spec:
// user/workdir/env flags, the container name, and the session-leader
// wrapper script that creates the scratch dir, starts the command as a new
// process group, records its pgid, waits, and cleans up.
func BuildExecArgs(spec ExecSpec) []string {
	args := []string{"exec"}
	if spec.TTY {
		args = append(args, "-t")
	}
	if spec.UID >= 0 && spec.GID >= 0 {
		args = append(args, "-u", fmt.Sprintf("%d:%d", spec.UID, spec.GID))
	}
	cwd := spec.Cwd
	if cwd == "" {
		cwd = "/workspace"
	}
	args = append(args, "-w", cwd)
	args = append(args,
		"-e", "HOME=/home/coder",
		"-e", "GNUPGHOME=/home/coder/.gnupg",
		"-e", "AIFO_EXEC_ID="+spec.ExecID,
	)
	args = append(args, kindEnv(spec.Kind, cwd)...)
	args = append(args, spec.Container, "sh", "-c", wrapperScript(spec))
	return args
}

// kindEnv returns per-toolchain environment flags, mirroring what the
// sidecar images expect.
func kindEnv(kind routing.Kind, cwd string) []string {
	var args []string
	env := func(kv string) {
		args = append(args, "-e", kv)
	}
	switch kind {
	case routing.KindRust:
		env("CARGO_HOME=/home/coder/.cargo")
		env("PATH=/home/coder/.cargo/bin:/usr/local/cargo/bin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
		if os.Getenv("RUST_BACKTRACE") == "" {
			env("RUST_BACKTRACE=1")
		}
	case routing.KindPython:
		// A checked-in virtualenv takes precedence over the image python.
		if _, err := os.Stat(filepath.Join(cwd, ".venv", "bin")); err == nil {
			env("VIRTUAL_ENV=/workspace/.venv")
			env("PATH=/workspace/.venv/bin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
		}
	case routing.KindCCpp:
		env("CCACHE_DIR=/home/coder/.cache/ccache")
	case routing.KindGo:
		env("GOPATH=/go")
		env("GOMODCACHE=/go/pkg/mod")
	}
	return args
}

// wrapperScript builds the in-container session-leader wrapper. The inner
// command runs under setsid so the whole tree shares one signalable group;
// the group's pgid is recorded in the scratch dir before we wait, and the
// scratch dir is removed on exit.
func wrapperScript(spec ExecSpec) string {
	inner := ShellJoin(spec.Argv)
	redir := ""
	if spec.MergeErr {
		redir = " 2>&1"
	}
	return fmt.Sprintf(
		`d=%s/%s; mkdir -p "$d"; ( setsid sh -c %s ) & pg=$!; printf "%%s" "$pg" > "$d/pgid"; wait "$pg"; rc=$?; rm -rf "$d"; exit $rc`,
		execScratchBase, spec.ExecID, shellQuote("exec "+inner+redir))
}

type cliProc struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *cliProc) Stdout() io.Reader { return p.stdout }

func (p *cliProc) Stderr() io.Reader {
	if p.stderr == nil {
		return nil
	}
	return p.stderr
}

func (p *cliProc) Wait() int {
	err := p.cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return 1
}

func (p *cliProc) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
