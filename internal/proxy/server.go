// Package proxy is the host-side toolexec service: it accepts shim
// connections, validates credentials, routes tool invocations to toolchain
// sidecars, supervises the resulting process groups, and serves the signal
// and notification endpoints. One goroutine per connection; the registry
// and the availability cache are the only cross-connection state.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aifo-coder/toolexec/internal/auth"
	"github.com/aifo-coder/toolexec/internal/config"
	"github.com/aifo-coder/toolexec/internal/metrics"
	"github.com/aifo-coder/toolexec/internal/notify"
	"github.com/aifo-coder/toolexec/internal/registry"
	"github.com/aifo-coder/toolexec/internal/routing"
	"github.com/aifo-coder/toolexec/internal/runtime"
	"github.com/aifo-coder/toolexec/internal/wire"
)

// acceptBackoff is the pause after a transient accept failure.
const acceptBackoff = 50 * time.Millisecond

// Server is one proxy instance bound to a session.
type Server struct {
	cfg     *config.Config
	rt      runtime.Runtime
	reg     *registry.Registry
	cache   *routing.Cache
	token   string
	session string

	ln      net.Listener
	unixDir string
}

// New builds a server. The token authenticates every request; the session
// scopes sidecar container names and the availability cache.
func New(cfg *config.Config, rt runtime.Runtime, token, session string) *Server {
	return &Server{
		cfg:     cfg,
		rt:      rt,
		reg:     registry.New(),
		cache:   routing.NewCache(),
		token:   token,
		session: session,
	}
}

// Registry exposes the in-flight execution table, mainly for tests and the
// shutdown drain.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Listen binds the configured listener and returns the URL shims should use.
func (s *Server) Listen() (string, error) {
	if s.cfg.UseUnix {
		dir := filepath.Join(s.cfg.UnixBase, "aifo-"+s.session)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("proxy: create socket dir: %w", err)
		}
		sock := filepath.Join(dir, "toolexec.sock")
		_ = os.Remove(sock)
		ln, err := net.Listen("unix", sock)
		if err != nil {
			return "", fmt.Errorf("proxy: bind unix socket: %w", err)
		}
		s.ln = ln
		s.unixDir = dir
		return "unix://" + sock, nil
	}

	addr := net.JoinHostPort(s.cfg.BindHost, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("proxy: bind %s: %w", addr, err)
	}
	s.ln = ln
	return "http://" + ln.Addr().String(), nil
}

// Serve runs the accept loop until Close. Accept errors are logged and
// followed by a brief backoff rather than a tight spin.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("proxy: accept: %v", err)
			time.Sleep(acceptBackoff)
			continue
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting and removes the unix socket directory if one was
// created. In-flight connections finish on their own.
func (s *Server) Close() error {
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	if s.unixDir != "" {
		os.RemoveAll(s.unixDir)
	}
	return err
}

// handleConn serves exactly one request and closes the connection.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	req, err := wire.ReadRequest(conn, wire.Limits{
		HeaderBytes: s.cfg.HeaderCap,
		HeaderLines: s.cfg.HeaderLineCap,
		BodyBytes:   s.cfg.BodyCap,
	})
	if err != nil {
		s.respond(conn, "parse", wire.StatusBadRequest, wire.ExitCodePolicy, []byte(wire.BodyBadRequest))
		if s.cfg.Verbose {
			log.Printf("proxy: request rejected: %v", err)
		}
		return
	}

	ep := wire.ClassifyEndpoint(req.Path)
	label := endpointLabel(ep)
	if ep == wire.EndpointUnknown {
		s.respond(conn, label, wire.StatusNotFound, 0, []byte(wire.BodyNotFound))
		return
	}
	if req.Method != "POST" {
		s.respond(conn, label, wire.StatusMethodNotAllowed, 0, []byte(wire.BodyMethodNotAllowed))
		return
	}

	proto, ok := s.authorize(conn, ep, req)
	if !ok {
		return
	}

	switch ep {
	case wire.EndpointExec:
		s.handleExec(conn, req, proto)
	case wire.EndpointSignal:
		s.handleSignal(conn, req)
	case wire.EndpointNotify:
		s.handleNotify(conn, req)
	}
}

// authorize applies the shared decision table and writes the failure
// response itself. Notify's no-auth mode waives only the bearer check;
// the proto header is validated in every mode.
func (s *Server) authorize(conn net.Conn, ep wire.Endpoint, req *wire.Request) (auth.Proto, bool) {
	label := endpointLabel(ep)
	if ep == wire.EndpointNotify && s.cfg.NotifyNoAuth {
		switch strings.TrimSpace(req.Headers["x-aifo-proto"]) {
		case "1":
			return auth.ProtoV1, true
		case "2":
			return auth.ProtoV2, true
		}
		s.respond(conn, label, wire.StatusUpgradeRequired, 0, []byte(wire.BodyUnsupportedProto))
		return 0, false
	}

	switch result, proto := auth.Validate(req.Headers, s.token); result {
	case auth.Authorized:
		return proto, true
	case auth.MissingOrInvalidAuth:
		s.respond(conn, label, wire.StatusUnauthorized, 0, []byte(wire.BodyUnauthorized))
	default:
		s.respond(conn, label, wire.StatusUpgradeRequired, 0, []byte(wire.BodyUnsupportedProto))
	}
	return 0, false
}

// handleSignal forwards a named signal to an execution's process group.
// An unknown exec id acknowledges without acting so client cancel logic
// never races request startup.
func (s *Server) handleSignal(conn net.Conn, req *wire.Request) {
	form := formValues(req)
	execID := form.first("exec_id")
	sig, ok := runtime.ParseSignal(form.first("signal"))
	if execID == "" || !ok {
		s.respond(conn, "signal", wire.StatusBadRequest, 0, []byte(wire.BodyBadRequest))
		return
	}

	h, found := s.reg.Lookup(execID)
	if found {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.rt.SignalGroup(ctx, h.Container, execID, sig); err != nil {
			log.Printf("proxy: signal %s to exec %s: %v", sig, execID, err)
		}
		metrics.SignalsTotal.WithLabelValues(string(sig)).Inc()
	}
	wire.WriteNoContent(conn)
	metrics.RequestsTotal.WithLabelValues("signal", "204").Inc()
	if s.cfg.Verbose {
		log.Printf("proxy: signal %s exec=%s known=%v", sig, execID, found)
	}
}

// handleNotify runs the operator-configured host notification command.
func (s *Server) handleNotify(conn net.Conn, req *wire.Request) {
	form := formValues(req)
	cmd := form.first("cmd")
	args := form.all("arg")
	if cmd == "" {
		s.respond(conn, "notify", wire.StatusBadRequest, wire.ExitCodePolicy, []byte(wire.BodyBadRequest))
		return
	}

	opts := notify.Options{
		ConfigPath:      s.cfg.NotifyConfigPath,
		MaxArgs:         s.cfg.NotifyMaxArgs,
		ExtraAllow:      s.cfg.NotifyAllowlist,
		SafeDirs:        s.cfg.NotifySafeDirs,
		AllowUnsafeDirs: s.cfg.NotifyUnsafeDirs,
		TrimEnv:         s.cfg.NotifyTrimEnv,
		EnvAllow:        s.cfg.NotifyEnvAllow,
		Timeout:         time.Duration(s.cfg.NotifyTimeoutSecs) * time.Second,
	}

	code, out, err := notify.Handle(opts, cmd, args)
	switch {
	case err == nil:
		s.respond(conn, "notify", wire.StatusOK, code, out)
	case errors.Is(err, notify.ErrTimeout):
		s.respond(conn, "notify", wire.StatusGatewayTimeout, wire.ExitCodeTimeout, []byte(wire.BodyTimeout))
	default:
		var pe *notify.PolicyError
		if errors.As(err, &pe) {
			log.Printf("proxy: notify rejected: %s", pe.Reason)
			s.respond(conn, "notify", wire.StatusForbidden, wire.ExitCodePolicy, []byte(wire.BodyForbidden))
			return
		}
		log.Printf("proxy: notify failed: %v", err)
		s.respond(conn, "notify", wire.StatusInternalError, 1, []byte(err.Error()+"\n"))
	}
}

// respond writes one plain response and records the request metric.
func (s *Server) respond(conn net.Conn, endpoint, status string, exitCode int, body []byte) {
	wire.WritePlain(conn, status, exitCode, body)
	metrics.RequestsTotal.WithLabelValues(endpoint, statusCode(status)).Inc()
	if s.cfg.Verbose {
		log.Printf("proxy: %s -> %s", endpoint, status)
	}
}

func endpointLabel(ep wire.Endpoint) string {
	switch ep {
	case wire.EndpointExec:
		return "exec"
	case wire.EndpointSignal:
		return "signal"
	case wire.EndpointNotify:
		return "notify"
	default:
		return "unknown"
	}
}

func statusCode(status string) string {
	if i := strings.IndexByte(status, ' '); i > 0 {
		return status[:i]
	}
	return status
}

// form is the merged query-plus-body parameter view of one request.
type form struct {
	pairs []wire.Pair
}

func formValues(req *wire.Request) form {
	pairs := append([]wire.Pair(nil), req.Query...)
	if len(req.Body) > 0 {
		pairs = append(pairs, wire.ParseForm(string(req.Body))...)
	}
	return form{pairs: pairs}
}

func (f form) first(key string) string {
	for _, p := range f.pairs {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

func (f form) all(key string) []string {
	var out []string
	for _, p := range f.pairs {
		if p.Key == key {
			out = append(out, p.Value)
		}
	}
	return out
}
