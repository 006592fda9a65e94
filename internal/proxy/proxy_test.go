package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aifo-coder/toolexec/internal/config"
	"github.com/aifo-coder/toolexec/internal/routing"
	"github.com/aifo-coder/toolexec/internal/runtime"
)

const (
	testToken   = "tok-123"
	testSession = "sess1"
)

type fakeProc struct {
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	exit    chan int
	once    sync.Once
}

func newFakeProc(mergeErr bool) *fakeProc {
	p := &fakeProc{exit: make(chan int, 1)}
	p.stdoutR, p.stdoutW = io.Pipe()
	if !mergeErr {
		p.stderrR, p.stderrW = io.Pipe()
	}
	return p
}

func (p *fakeProc) Stdout() io.Reader { return p.stdoutR }

func (p *fakeProc) Stderr() io.Reader {
	if p.stderrR == nil {
		return nil
	}
	return p.stderrR
}

func (p *fakeProc) Wait() int { return <-p.exit }

func (p *fakeProc) Kill() { p.finish(137) }

func (p *fakeProc) finish(code int) {
	p.once.Do(func() {
		p.stdoutW.Close()
		if p.stderrW != nil {
			p.stderrW.Close()
		}
		p.exit <- code
	})
}

type fakeRuntime struct {
	mu        sync.Mutex
	running   map[routing.Kind]bool
	tools     map[string]bool // kind + "/" + tool
	signals   []string        // execID + ":" + signal
	startErr  error
	lastSpec  runtime.ExecSpec
	proc      *fakeProc
	script    func(p *fakeProc)
	termExits bool // SignalGroup TERM finishes the proc, like a compliant child
}

func (f *fakeRuntime) kindFor(name string) (routing.Kind, bool) {
	for _, k := range routing.Kinds {
		if name == runtime.SidecarName(k, testSession) {
			return k, true
		}
	}
	return "", false
}

func (f *fakeRuntime) ContainerExists(_ context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.kindFor(name)
	return ok && f.running[k]
}

func (f *fakeRuntime) ToolAvailable(_ context.Context, name, tool string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.kindFor(name)
	return ok && f.tools[string(k)+"/"+tool]
}

func (f *fakeRuntime) Start(spec runtime.ExecSpec) (runtime.Proc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.lastSpec = spec
	f.proc = newFakeProc(spec.MergeErr)
	if f.script != nil {
		go f.script(f.proc)
	}
	return f.proc, nil
}

func (f *fakeRuntime) SignalGroup(_ context.Context, _, execID string, sig runtime.Signal) error {
	f.mu.Lock()
	f.signals = append(f.signals, execID+":"+string(sig))
	proc := f.proc
	termExits := f.termExits
	f.mu.Unlock()

	if proc != nil {
		if sig == runtime.SigKill || (termExits && sig == runtime.SigTerm) {
			proc.finish(130)
		}
	}
	return nil
}

func (f *fakeRuntime) signalLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.signals...)
}

func testConfig() *config.Config {
	return &config.Config{
		BindHost:        "127.0.0.1",
		HeaderCap:       64 * 1024,
		HeaderLineCap:   1024,
		BodyCap:         1 << 20,
		ChunkQueueDepth: 16,
		NotifyMaxArgs:   8,
	}
}

func newTestServer(t *testing.T, cfg *config.Config, rt runtime.Runtime) (*Server, string) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	s := New(cfg, rt, testToken, testSession)
	url, err := s.Listen()
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve()
	t.Cleanup(func() { s.Close() })
	return s, strings.TrimPrefix(url, "http://")
}

// roundTrip sends one raw request and reads the full response.
func roundTrip(t *testing.T, addr, raw string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	b, _ := io.ReadAll(conn)
	return string(b)
}

func execRequest(proto, body string, extra ...string) string {
	head := fmt.Sprintf("POST /exec HTTP/1.1\r\nAuthorization: Bearer %s\r\nX-Aifo-Proto: %s\r\nContent-Length: %d\r\n",
		testToken, proto, len(body))
	for _, h := range extra {
		head += h + "\r\n"
	}
	return head + "\r\n" + body
}

func TestUnauthorizedBeforeAnythingElse(t *testing.T) {
	_, addr := newTestServer(t, nil, &fakeRuntime{})
	body := "tool=cargo"
	raw := fmt.Sprintf("POST /exec HTTP/1.1\r\nAuthorization: Bearer wrong\r\nX-Aifo-Proto: 2\r\nContent-Length: %d\r\n\r\n%s", len(body), body)

	resp := roundTrip(t, addr, raw)
	if !strings.HasPrefix(resp, "HTTP/1.1 401 ") {
		t.Fatalf("resp = %q", resp)
	}
	if !strings.HasSuffix(resp, "unauthorized\n") {
		t.Errorf("body wrong: %q", resp)
	}
}

func TestUnsupportedProto(t *testing.T) {
	_, addr := newTestServer(t, nil, &fakeRuntime{})
	body := "tool=cargo"
	raw := fmt.Sprintf("POST /exec HTTP/1.1\r\nAuthorization: Bearer %s\r\nX-Aifo-Proto: 3\r\nContent-Length: %d\r\n\r\n%s", testToken, len(body), body)

	resp := roundTrip(t, addr, raw)
	if !strings.HasPrefix(resp, "HTTP/1.1 426 ") {
		t.Fatalf("resp = %q", resp)
	}
	if !strings.Contains(resp, "Unsupported shim protocol; expected 1 or 2\n") {
		t.Errorf("body wrong: %q", resp)
	}
}

func TestUnknownPathAndMethod(t *testing.T) {
	_, addr := newTestServer(t, nil, &fakeRuntime{})

	resp := roundTrip(t, addr, "POST /other HTTP/1.1\r\nContent-Length: 0\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 404 ") || !strings.HasSuffix(resp, "not found\n") {
		t.Errorf("unknown path resp = %q", resp)
	}

	resp = roundTrip(t, addr, "GET /exec HTTP/1.1\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 405 ") || !strings.HasSuffix(resp, "method not allowed\n") {
		t.Errorf("wrong method resp = %q", resp)
	}
}

func TestForbiddenToolPrecedesAvailability(t *testing.T) {
	// No sidecars running at all: an unlisted tool must still be Forbidden,
	// not Conflict.
	_, addr := newTestServer(t, nil, &fakeRuntime{})

	resp := roundTrip(t, addr, execRequest("2", "tool=vim"))
	if !strings.HasPrefix(resp, "HTTP/1.1 403 ") {
		t.Fatalf("resp = %q", resp)
	}
	if !strings.Contains(resp, "X-Exit-Code: 86") {
		t.Errorf("missing policy exit code: %q", resp)
	}
	if !strings.HasSuffix(resp, "forbidden\n") {
		t.Errorf("body wrong: %q", resp)
	}
}

func TestConflictWhenNoSidecarProvidesTool(t *testing.T) {
	_, addr := newTestServer(t, nil, &fakeRuntime{})

	resp := roundTrip(t, addr, execRequest("2", "tool=cargo"))
	if !strings.HasPrefix(resp, "HTTP/1.1 409 ") {
		t.Fatalf("resp = %q", resp)
	}
	if !strings.Contains(resp, "--toolchain rust") {
		t.Errorf("suggestion should name the rust toolchain: %q", resp)
	}
	if !strings.Contains(resp, "X-Exit-Code: 86") {
		t.Errorf("missing policy exit code: %q", resp)
	}
}

func TestExecStreaming(t *testing.T) {
	rt := &fakeRuntime{
		running: map[routing.Kind]bool{routing.KindRust: true},
		tools:   map[string]bool{"rust/cargo": true},
		script: func(p *fakeProc) {
			io.WriteString(p.stdoutW, "cargo 1.80.0\n")
			p.finish(0)
		},
	}
	s, addr := newTestServer(t, nil, rt)

	resp := roundTrip(t, addr, execRequest("2", "tool=cargo&arg=--version&cwd=%2Fworkspace", "X-Aifo-Exec-Id: e-str-1"))

	if !strings.HasPrefix(resp, "HTTP/1.1 200 ") {
		t.Fatalf("resp = %q", resp)
	}
	if !strings.Contains(resp, "Transfer-Encoding: chunked") {
		t.Errorf("not chunked: %q", resp)
	}
	if !strings.Contains(resp, "X-Exec-Id: e-str-1") {
		t.Errorf("exec id not echoed: %q", resp)
	}
	if !strings.Contains(resp, "cargo 1.80.0") {
		t.Errorf("output missing: %q", resp)
	}
	if !strings.Contains(resp, "X-Exit-Code: 0") {
		t.Errorf("trailer missing: %q", resp)
	}
	if s.Registry().Len() != 0 {
		t.Errorf("registry leaked %d entries", s.Registry().Len())
	}

	rt.mu.Lock()
	spec := rt.lastSpec
	rt.mu.Unlock()
	if !spec.MergeErr {
		t.Error("streaming exec should merge stderr")
	}
	if spec.Container != "aifo-tc-rust-"+testSession {
		t.Errorf("container = %q", spec.Container)
	}
	if spec.Cwd != "/workspace" {
		t.Errorf("cwd = %q", spec.Cwd)
	}
}

func TestExecBufferedConcatenatesStdoutThenStderr(t *testing.T) {
	rt := &fakeRuntime{
		running: map[routing.Kind]bool{routing.KindGo: true},
		tools:   map[string]bool{"go/go": true},
		script: func(p *fakeProc) {
			io.WriteString(p.stdoutW, "out-part")
			io.WriteString(p.stderrW, "err-part")
			p.finish(3)
		},
	}
	s, addr := newTestServer(t, nil, rt)

	resp := roundTrip(t, addr, execRequest("1", "tool=go&arg=vet"))

	if !strings.HasPrefix(resp, "HTTP/1.1 200 ") {
		t.Fatalf("resp = %q", resp)
	}
	if !strings.Contains(resp, "X-Exit-Code: 3") {
		t.Errorf("exit code missing: %q", resp)
	}
	if !strings.HasSuffix(resp, "out-parterr-part") {
		t.Errorf("body order wrong: %q", resp)
	}
	if s.Registry().Len() != 0 {
		t.Errorf("registry leaked %d entries", s.Registry().Len())
	}
}

func TestExecBufferedTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ExecTimeoutSecs = 1
	rt := &fakeRuntime{
		running: map[routing.Kind]bool{routing.KindGo: true},
		tools:   map[string]bool{"go/go": true},
		script: func(p *fakeProc) {
			io.WriteString(p.stdoutW, "partial")
			// Never finishes on its own; only a kill ends it.
		},
	}
	s, addr := newTestServer(t, cfg, rt)

	resp := roundTrip(t, addr, execRequest("1", "tool=go&arg=test", "X-Aifo-Exec-Id: e-to-1"))

	if !strings.HasPrefix(resp, "HTTP/1.1 504 ") {
		t.Fatalf("resp = %q", resp)
	}
	if !strings.Contains(resp, "X-Exit-Code: 124") {
		t.Errorf("timeout exit code missing: %q", resp)
	}
	if !strings.HasSuffix(resp, "aifo-coder proxy timeout\n") {
		t.Errorf("body wrong: %q", resp)
	}
	var sawKill bool
	for _, entry := range rt.signalLog() {
		if entry == "e-to-1:KILL" {
			sawKill = true
		}
	}
	if !sawKill {
		t.Errorf("group never killed: %v", rt.signalLog())
	}
	if s.Registry().Len() != 0 {
		t.Errorf("registry leaked %d entries", s.Registry().Len())
	}
}

func TestExecSpawnFailure(t *testing.T) {
	rt := &fakeRuntime{
		running:  map[routing.Kind]bool{routing.KindRust: true},
		tools:    map[string]bool{"rust/cargo": true},
		startErr: errors.New("runtime exec failed"),
	}
	s, addr := newTestServer(t, nil, rt)

	resp := roundTrip(t, addr, execRequest("2", "tool=cargo"))
	if !strings.HasPrefix(resp, "HTTP/1.1 500 ") {
		t.Fatalf("resp = %q", resp)
	}
	// Spawn failure must never commit the client to chunked decoding.
	if strings.Contains(resp, "Transfer-Encoding: chunked") {
		t.Errorf("half-open chunked response after spawn failure: %q", resp)
	}
	if !strings.Contains(resp, "X-Exit-Code: 1") {
		t.Errorf("spawn failure exit code missing: %q", resp)
	}
	if s.Registry().Len() != 0 {
		t.Errorf("registry leaked %d entries", s.Registry().Len())
	}
}

func TestSignalUnknownIdIsNoOp(t *testing.T) {
	rt := &fakeRuntime{}
	_, addr := newTestServer(t, nil, rt)

	body := "exec_id=ghost&signal=INT"
	raw := fmt.Sprintf("POST /signal HTTP/1.1\r\nAuthorization: Bearer %s\r\nX-Aifo-Proto: 2\r\nContent-Length: %d\r\n\r\n%s",
		testToken, len(body), body)
	resp := roundTrip(t, addr, raw)

	if !strings.HasPrefix(resp, "HTTP/1.1 204 ") {
		t.Fatalf("resp = %q", resp)
	}
	if len(rt.signalLog()) != 0 {
		t.Errorf("signal delivered for unknown id: %v", rt.signalLog())
	}
}

func TestSignalDelivery(t *testing.T) {
	rt := &fakeRuntime{}
	s, addr := newTestServer(t, nil, rt)
	s.Registry().Insert("e-sig-1", "aifo-tc-rust-"+testSession, routing.KindRust)

	body := "exec_id=e-sig-1&signal=int"
	raw := fmt.Sprintf("POST /signal HTTP/1.1\r\nAuthorization: Bearer %s\r\nX-Aifo-Proto: 1\r\nContent-Length: %d\r\n\r\n%s",
		testToken, len(body), body)
	resp := roundTrip(t, addr, raw)

	if !strings.HasPrefix(resp, "HTTP/1.1 204 ") {
		t.Fatalf("resp = %q", resp)
	}
	log := rt.signalLog()
	if len(log) != 1 || log[0] != "e-sig-1:INT" {
		t.Errorf("signal log = %v", log)
	}
}

func TestSignalRejectsUnknownName(t *testing.T) {
	_, addr := newTestServer(t, nil, &fakeRuntime{})

	body := "exec_id=e1&signal=STOP"
	raw := fmt.Sprintf("POST /signal HTTP/1.1\r\nAuthorization: Bearer %s\r\nX-Aifo-Proto: 1\r\nContent-Length: %d\r\n\r\n%s",
		testToken, len(body), body)
	resp := roundTrip(t, addr, raw)

	if !strings.HasPrefix(resp, "HTTP/1.1 400 ") {
		t.Fatalf("resp = %q", resp)
	}
}

func TestStreamingDisconnectTerminatesGroup(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkQueueDepth = 4
	rt := &fakeRuntime{
		running:   map[routing.Kind]bool{routing.KindRust: true},
		tools:     map[string]bool{"rust/cargo": true},
		termExits: true,
		script: func(p *fakeProc) {
			blob := make([]byte, 4096)
			for {
				if _, err := p.stdoutW.Write(blob); err != nil {
					return
				}
			}
		},
	}
	s, addr := newTestServer(t, cfg, rt)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	body := "tool=cargo&arg=build"
	fmt.Fprintf(conn, "POST /exec HTTP/1.1\r\nAuthorization: Bearer %s\r\nX-Aifo-Proto: 2\r\nX-Aifo-Exec-Id: e-dc-1\r\nContent-Length: %d\r\n\r\n%s",
		testToken, len(body), body)

	// Read the prologue plus a little output, then vanish.
	buf := make([]byte, 1024)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if s.Registry().Len() == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if s.Registry().Len() != 0 {
		t.Fatalf("registry still holds %d entries after disconnect", s.Registry().Len())
	}
	var sawTerm bool
	for _, entry := range rt.signalLog() {
		if entry == "e-dc-1:TERM" {
			sawTerm = true
		}
	}
	if !sawTerm {
		t.Errorf("disconnect never sent TERM: %v", rt.signalLog())
	}
}

func TestNotifyNoAuthStillRequiresProto(t *testing.T) {
	cfg := testConfig()
	cfg.NotifyNoAuth = true
	_, addr := newTestServer(t, cfg, &fakeRuntime{})

	body := "cmd=say"
	raw := fmt.Sprintf("POST /notify HTTP/1.1\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	resp := roundTrip(t, addr, raw)

	if !strings.HasPrefix(resp, "HTTP/1.1 426 ") {
		t.Fatalf("no-auth mode must still enforce the proto header: %q", resp)
	}
}

func TestOversizedRequestRejected(t *testing.T) {
	cfg := testConfig()
	cfg.HeaderCap = 256
	_, addr := newTestServer(t, cfg, &fakeRuntime{})

	raw := "POST /exec HTTP/1.1\r\nX-Filler: " + strings.Repeat("a", 1024) + "\r\n\r\n"
	resp := roundTrip(t, addr, raw)
	if !strings.HasPrefix(resp, "HTTP/1.1 400 ") {
		t.Fatalf("resp = %q", resp)
	}
}
