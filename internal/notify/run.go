package notify

import (
	"bytes"
	"errors"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// killGrace is how long a timed-out command gets between TERM and KILL.
const killGrace = 250 * time.Millisecond

// spawnRetries bounds ETXTBSY retries when the executable was just written.
const spawnRetries = 10

// run executes the resolved command with combined output capture and a hard
// deadline. The child gets its own process group so escalation reaches any
// helpers it spawned.
func run(execAbs string, argv []string, opts Options) (int, []byte, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cmd, stdout, stderr, err := spawn(execAbs, argv, opts)
	if err != nil {
		return 0, nil, &SpawnError{Basename: basenameOf(execAbs), Err: err}
	}

	var (
		outBuf, errBuf bytes.Buffer
		wg             sync.WaitGroup
	)
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(&outBuf, stdout) }()
	go func() { defer wg.Done(); io.Copy(&errBuf, stderr) }()

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	select {
	case werr := <-done:
		out := append(outBuf.Bytes(), errBuf.Bytes()...)
		return exitCode(werr), out, nil
	case <-time.After(timeout):
	}

	pgid := cmd.Process.Pid
	unix.Kill(-pgid, unix.SIGTERM)
	select {
	case <-done:
	case <-time.After(killGrace):
		unix.Kill(-pgid, unix.SIGKILL)
		<-done
	}
	return 0, nil, ErrTimeout
}

// spawn starts the command, retrying briefly on ETXTBSY in case the
// executable was written moments ago and a writer fd is still closing.
func spawn(execAbs string, argv []string, opts Options) (*exec.Cmd, io.Reader, io.Reader, error) {
	var lastErr error
	for attempt := 0; attempt < spawnRetries; attempt++ {
		cmd := exec.Command(execAbs, argv...)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if opts.TrimEnv {
			cmd.Env = trimmedEnv(opts.EnvAllow)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, nil, err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, nil, nil, err
		}
		if err := cmd.Start(); err != nil {
			lastErr = err
			if errors.Is(err, unix.ETXTBSY) {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return nil, nil, nil, err
		}
		if attempt > 0 {
			log.Printf("notify: spawn succeeded after %d ETXTBSY retries", attempt)
		}
		return cmd, stdout, stderr, nil
	}
	return nil, nil, nil, lastErr
}

// trimmedEnv builds a minimal child environment: a fixed safe set plus any
// operator-allowed names that are present in the parent.
func trimmedEnv(extraAllow string) []string {
	keep := map[string]bool{
		"PATH": true, "HOME": true, "LANG": true, "LC_ALL": true,
		"TMPDIR": true, "USER": true, "TERM": true,
	}
	for _, part := range strings.Split(extraAllow, ",") {
		if name := strings.TrimSpace(part); name != "" {
			keep[name] = true
		}
	}
	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if ok && keep[name] {
			env = append(env, kv)
		}
	}
	return env
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code >= 0 {
			return code
		}
	}
	return 1
}

func basenameOf(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}
