package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aifo-coder/toolexec/internal/auth"
	"github.com/aifo-coder/toolexec/internal/metrics"
	"github.com/aifo-coder/toolexec/internal/registry"
	"github.com/aifo-coder/toolexec/internal/routing"
	"github.com/aifo-coder/toolexec/internal/runtime"
	"github.com/aifo-coder/toolexec/internal/wire"
)

const (
	// chunkEnqueueWait bounds how long the output producer blocks on a full
	// queue before dropping the newest chunk. The child is never stalled
	// longer than this.
	chunkEnqueueWait = 100 * time.Millisecond

	// disconnectGrace separates TERM from KILL when the client vanishes.
	disconnectGrace = 2 * time.Second

	// signalCtxTimeout caps one runtime signal-delivery invocation.
	signalCtxTimeout = 5 * time.Second

	readBufSize = 4096
)

// prober adapts the container runtime plus the session to routing's view.
type prober struct {
	rt      runtime.Runtime
	session string
}

func (p prober) KindRunning(ctx context.Context, kind routing.Kind) bool {
	return p.rt.ContainerExists(ctx, runtime.SidecarName(kind, p.session))
}

func (p prober) ToolAvailable(ctx context.Context, kind routing.Kind, tool string) bool {
	return p.rt.ToolAvailable(ctx, runtime.SidecarName(kind, p.session), tool)
}

// handleExec routes, spawns, and supervises one tool invocation.
func (s *Server) handleExec(conn net.Conn, req *wire.Request, proto auth.Proto) {
	form := formValues(req)
	tool := strings.TrimSpace(form.first("tool"))
	cwd := form.first("cwd")
	args := form.all("arg")
	if tool == "" {
		s.respond(conn, "exec", wire.StatusBadRequest, wire.ExitCodePolicy, []byte(wire.BodyBadRequest))
		return
	}

	// Allowlist rejection always precedes availability rejection.
	if !routing.AllowedAnywhere(tool) {
		s.respond(conn, "exec", wire.StatusForbidden, wire.ExitCodePolicy, []byte(wire.BodyForbidden))
		return
	}

	ctx := context.Background()
	kind, available := routing.SelectKind(ctx, tool, prober{rt: s.rt, session: s.session}, s.cache)
	if !available {
		body := fmt.Sprintf("tool '%s' not available in running sidecars; start an appropriate toolchain (e.g., --toolchain %s)\n", tool, kind)
		s.respond(conn, "exec", wire.StatusConflict, wire.ExitCodePolicy, []byte(body))
		return
	}
	if !routing.Allowed(kind, tool) {
		s.respond(conn, "exec", wire.StatusForbidden, wire.ExitCodePolicy, []byte(wire.BodyForbidden))
		return
	}

	execID := strings.TrimSpace(req.Headers["x-aifo-exec-id"])
	if execID == "" {
		execID = uuid.NewString()
	}
	container := runtime.SidecarName(kind, s.session)

	spec := runtime.ExecSpec{
		Container: container,
		Kind:      kind,
		Argv:      execArgv(tool, args),
		Cwd:       cwd,
		ExecID:    execID,
		UID:       os.Getuid(),
		GID:       os.Getgid(),
		TTY:       proto == auth.ProtoV2 && s.cfg.StreamTTY,
		MergeErr:  proto == auth.ProtoV2,
	}

	// Insertion strictly precedes spawn so a concurrent /signal for this id
	// is either a registered delivery or a benign no-op, never an error.
	s.reg.Insert(execID, container, kind)
	metrics.ExecsInFlight.Inc()

	proc, err := s.rt.Start(spec)
	if err != nil {
		s.finish(execID, registry.StateFinished)
		s.respond(conn, "exec", wire.StatusInternalError, 1, []byte(fmt.Sprintf("spawn failed: %v\n", err)))
		return
	}

	stop := make(chan struct{})
	defer close(stop)
	s.startWatchdog(container, execID, stop)

	started := time.Now()
	if proto == auth.ProtoV1 {
		s.superviseBuffered(conn, proc, container, execID, kind)
	} else {
		s.superviseStreaming(conn, proc, container, execID, kind)
	}
	metrics.ExecDuration.WithLabelValues(string(kind), strconv.Itoa(int(proto))).Observe(time.Since(started).Seconds())
}

// execArgv resolves the command to run inside the sidecar. tsc prefers the
// project-local binary under node_modules, falling back to npx.
func execArgv(tool string, args []string) []string {
	if strings.ToLower(tool) == "tsc" {
		script := `if [ -x ./node_modules/.bin/tsc ]; then exec ./node_modules/.bin/tsc "$@"; else exec npx tsc "$@"; fi`
		return append([]string{"sh", "-c", script, "tsc"}, args...)
	}
	return append([]string{tool}, args...)
}

// finish performs the single terminal registry transition; losers of the
// race (competing timeout/disconnect/natural-exit paths) change nothing.
func (s *Server) finish(execID string, state registry.State) {
	if s.reg.Complete(execID, state) {
		metrics.ExecsInFlight.Dec()
	}
}

// superviseBuffered collects all output, then responds once. stdout and
// stderr are drained concurrently the whole time so the child never blocks
// on a full pipe.
func (s *Server) superviseBuffered(conn net.Conn, proc runtime.Proc, container, execID string, kind routing.Kind) {
	var outBuf, errBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		io.Copy(&outBuf, proc.Stdout())
	}()
	if stderr := proc.Stderr(); stderr != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			io.Copy(&errBuf, stderr)
		}()
	}

	done := make(chan int, 1)
	go func() {
		wg.Wait()
		done <- proc.Wait()
	}()

	var timeoutC <-chan time.Time
	if s.cfg.ExecTimeoutSecs > 0 {
		timeoutC = time.After(time.Duration(s.cfg.ExecTimeoutSecs) * time.Second)
	}

	select {
	case code := <-done:
		s.finish(execID, registry.StateFinished)
		body := append(outBuf.Bytes(), errBuf.Bytes()...)
		s.respond(conn, "exec", wire.StatusOK, code, body)
	case <-timeoutC:
		s.killGroup(container, execID, proc)
		<-done
		s.finish(execID, registry.StateTimedOut)
		metrics.TimeoutsTotal.WithLabelValues(string(kind)).Inc()
		s.respond(conn, "exec", wire.StatusGatewayTimeout, wire.ExitCodeTimeout, []byte(wire.BodyTimeout))
	}
}

// superviseStreaming forwards output chunks as they arrive and finishes
// with an exit-code trailer. The producer and the socket writer are
// decoupled by a bounded queue; sustained backpressure drops the newest
// chunk rather than stalling the child.
func (s *Server) superviseStreaming(conn net.Conn, proc runtime.Proc, container, execID string, kind routing.Kind) {
	chunks, done := s.pump(proc, execID)

	cw := wire.NewChunkedWriter(conn)
	if err := cw.WritePrologue(execID); err != nil {
		metrics.DisconnectsTotal.Inc()
		s.terminateDisconnected(container, execID, proc, done, chunks)
		s.finish(execID, registry.StateKilled)
		return
	}

	var timeoutC <-chan time.Time
	if s.cfg.ExecTimeoutSecs > 0 {
		timeoutC = time.After(time.Duration(s.cfg.ExecTimeoutSecs) * time.Second)
	}

	var timedOut, writeFailed bool
loop:
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			if err := cw.WriteChunk(chunk); err != nil {
				writeFailed = true
				break loop
			}
		case <-timeoutC:
			timedOut = true
			break loop
		}
	}

	switch {
	case timedOut:
		s.killGroup(container, execID, proc)
		go drain(chunks)
		<-done
		s.finish(execID, registry.StateTimedOut)
		metrics.TimeoutsTotal.WithLabelValues(string(kind)).Inc()
		_ = cw.WriteTrailer(wire.ExitCodeTimeout)
		metrics.RequestsTotal.WithLabelValues("exec", "200").Inc()
	case writeFailed:
		metrics.DisconnectsTotal.Inc()
		log.Printf("proxy: exec %s: client disconnected, terminating group", execID)
		s.terminateDisconnected(container, execID, proc, done, chunks)
		s.finish(execID, registry.StateKilled)
		metrics.RequestsTotal.WithLabelValues("exec", "disconnect").Inc()
	default:
		code := <-done
		s.finish(execID, registry.StateFinished)
		_ = cw.WriteTrailer(code)
		metrics.RequestsTotal.WithLabelValues("exec", "200").Inc()
	}
}

// pump reads the merged output stream into a bounded queue, closes the
// queue at EOF, then reaps the process. Exactly one value is ever sent on
// the returned exit-code channel.
func (s *Server) pump(proc runtime.Proc, execID string) (chan []byte, chan int) {
	depth := s.cfg.ChunkQueueDepth
	if depth <= 0 {
		depth = 256
	}
	chunks := make(chan []byte, depth)
	done := make(chan int, 1)

	go func() {
		var warned bool
		buf := make([]byte, readBufSize)
		for {
			n, err := proc.Stdout().Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-time.After(chunkEnqueueWait):
					metrics.ChunksDroppedTotal.Inc()
					if !warned {
						log.Printf("proxy: exec %s: output queue full, dropping chunks", execID)
						warned = true
					}
				}
			}
			if err != nil {
				break
			}
		}
		close(chunks)
		done <- proc.Wait()
	}()

	return chunks, done
}

// terminateDisconnected applies the disconnect ladder: TERM, a short grace,
// then KILL, always reaping. The queue keeps draining so the producer is
// never wedged on a send.
func (s *Server) terminateDisconnected(container, execID string, proc runtime.Proc, done chan int, chunks chan []byte) {
	go drain(chunks)
	s.signalGroup(container, execID, runtime.SigTerm)
	select {
	case <-done:
		return
	case <-time.After(disconnectGrace):
	}
	s.killGroup(container, execID, proc)
	<-done
}

// killGroup delivers KILL to the in-container group and tears down the
// host-side runtime client.
func (s *Server) killGroup(container, execID string, proc runtime.Proc) {
	s.signalGroup(container, execID, runtime.SigKill)
	proc.Kill()
}

func (s *Server) signalGroup(container, execID string, sig runtime.Signal) {
	ctx, cancel := context.WithTimeout(context.Background(), signalCtxTimeout)
	defer cancel()
	if err := s.rt.SignalGroup(ctx, container, execID, sig); err != nil {
		log.Printf("proxy: %s to exec %s: %v", sig, execID, err)
	}
}

// startWatchdog arms the opt-in max-runtime ladder: INT at T, TERM at T+5s,
// KILL at T+10s, abandoned as soon as the execution reaches a terminal
// state.
func (s *Server) startWatchdog(container, execID string, stop <-chan struct{}) {
	if s.cfg.WatchdogSecs <= 0 {
		return
	}
	base := time.Duration(s.cfg.WatchdogSecs) * time.Second
	go func() {
		start := time.Now()
		steps := []struct {
			at  time.Duration
			sig runtime.Signal
		}{
			{base, runtime.SigInt},
			{base + 5*time.Second, runtime.SigTerm},
			{base + 10*time.Second, runtime.SigKill},
		}
		for _, step := range steps {
			select {
			case <-stop:
				return
			case <-time.After(step.at - time.Since(start)):
				log.Printf("proxy: watchdog: %s to exec %s after %s", step.sig, execID, step.at)
				s.signalGroup(container, execID, step.sig)
			}
		}
	}()
}

func drain(chunks chan []byte) {
	for range chunks {
	}
}
