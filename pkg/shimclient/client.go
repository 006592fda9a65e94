// Package shimclient speaks the proxy's wire protocol from the sandbox
// side: it builds exec/signal/notify requests, decodes buffered and chunked
// responses, and surfaces the exit code carried in the X-Exit-Code header
// or trailer. One connection per request; the server always closes.
package shimclient

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ProtoStreaming requests chunked output with an exit-code trailer;
// ProtoBuffered requests a single response after completion.
const (
	ProtoBuffered  = 1
	ProtoStreaming = 2
)

// Client targets one proxy instance.
type Client struct {
	rawURL string
	token  string
	proto  int

	// DialTimeout bounds connection establishment; zero means 10s.
	DialTimeout time.Duration
}

// New builds a client for the proxy at rawURL (http://host:port or
// unix:///path/to.sock).
func New(rawURL, token string, proto int) *Client {
	if proto != ProtoBuffered {
		proto = ProtoStreaming
	}
	return &Client{rawURL: rawURL, token: token, proto: proto}
}

// Proto reports the protocol version this client negotiates.
func (c *Client) Proto() int { return c.proto }

func (c *Client) dial() (net.Conn, error) {
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if rest, ok := strings.CutPrefix(c.rawURL, "unix://"); ok {
		return net.DialTimeout("unix", rest, timeout)
	}
	u, err := url.Parse(c.rawURL)
	if err != nil {
		return nil, fmt.Errorf("shimclient: bad proxy url %q: %w", c.rawURL, err)
	}
	return net.DialTimeout("tcp", u.Host, timeout)
}

// Exec forwards one tool invocation. Output goes to w as it is decoded;
// the returned int is the tool's exit code (or the proxy's policy code).
func (c *Client) Exec(tool, cwd string, args []string, execID string, w io.Writer) (int, error) {
	form := url.Values{}
	form.Set("tool", tool)
	if cwd != "" {
		form.Set("cwd", cwd)
	}
	for _, a := range args {
		form.Add("arg", a)
	}

	extra := ""
	if execID != "" {
		extra = "X-Aifo-Exec-Id: " + execID + "\r\n"
	}
	resp, err := c.roundTrip("/exec", extra, form.Encode())
	if err != nil {
		return 1, err
	}
	defer resp.close()

	if resp.chunked {
		return resp.copyChunked(w)
	}
	body, err := resp.readBody()
	if err != nil {
		return 1, err
	}
	if _, err := w.Write(body); err != nil {
		return 1, err
	}
	return resp.exitCode, nil
}

// Signal asks the proxy to deliver sig to the exec's process group.
// Unknown ids succeed; this is safe to call optimistically from cancel
// handlers.
func (c *Client) Signal(execID, sig string) error {
	form := url.Values{}
	form.Set("exec_id", execID)
	form.Set("signal", sig)
	resp, err := c.roundTrip("/signal", "", form.Encode())
	if err != nil {
		return err
	}
	defer resp.close()
	if resp.status != 204 && resp.status != 200 {
		body, _ := resp.readBody()
		return fmt.Errorf("shimclient: signal rejected: %d %s", resp.status, strings.TrimSpace(string(body)))
	}
	return nil
}

// Notify runs the operator-configured host notification command.
func (c *Client) Notify(cmd string, args []string) (int, []byte, error) {
	form := url.Values{}
	form.Set("cmd", cmd)
	for _, a := range args {
		form.Add("arg", a)
	}
	resp, err := c.roundTrip("/notify", "", form.Encode())
	if err != nil {
		return 1, nil, err
	}
	defer resp.close()
	body, err := resp.readBody()
	if err != nil {
		return 1, nil, err
	}
	if resp.status != 200 {
		return resp.exitCode, body, fmt.Errorf("shimclient: notify rejected: %d %s", resp.status, strings.TrimSpace(string(body)))
	}
	return resp.exitCode, body, nil
}

// roundTrip sends one request and parses the response head.
func (c *Client) roundTrip(path, extraHeaders, body string) (*response, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}

	req := fmt.Sprintf("POST %s HTTP/1.1\r\nAuthorization: Bearer %s\r\nX-Aifo-Proto: %d\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: %d\r\nConnection: close\r\n%s\r\n%s",
		path, c.token, c.proto, len(body), extraHeaders, body)
	if _, err := io.WriteString(conn, req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("shimclient: send: %w", err)
	}

	resp, err := parseResponse(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return resp, nil
}

// response is a parsed response head plus the undecoded remainder.
type response struct {
	conn     net.Conn
	br       *bufio.Reader
	status   int
	headers  map[string]string
	chunked  bool
	exitCode int
}

func parseResponse(conn net.Conn) (*response, error) {
	br := bufio.NewReader(conn)
	statusLine, err := readLine(br)
	if err != nil {
		return nil, fmt.Errorf("shimclient: read status: %w", err)
	}
	fields := strings.Fields(statusLine)
	if len(fields) < 2 {
		return nil, fmt.Errorf("shimclient: malformed status line %q", statusLine)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("shimclient: malformed status line %q", statusLine)
	}

	headers := make(map[string]string)
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, fmt.Errorf("shimclient: read headers: %w", err)
		}
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, ":")
		if ok {
			headers[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}

	r := &response{
		conn:    conn,
		br:      br,
		status:  status,
		headers: headers,
		chunked: strings.Contains(strings.ToLower(headers["transfer-encoding"]), "chunked"),
	}
	if v := headers["x-exit-code"]; v != "" {
		r.exitCode, _ = strconv.Atoi(v)
	}
	return r, nil
}

// readBody consumes a non-chunked body (Content-Length or to-EOF).
func (r *response) readBody() ([]byte, error) {
	if cl := r.headers["content-length"]; cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("shimclient: bad content-length %q", cl)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r.br, body); err != nil {
			return nil, fmt.Errorf("shimclient: truncated body: %w", err)
		}
		return body, nil
	}
	return io.ReadAll(r.br)
}

// copyChunked streams the chunked body to w and returns the exit code from
// the X-Exit-Code trailer.
func (r *response) copyChunked(w io.Writer) (int, error) {
	for {
		line, err := readLine(r.br)
		if err != nil {
			return 1, fmt.Errorf("shimclient: truncated stream: %w", err)
		}
		if line == "" {
			continue
		}
		sizeHex, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseUint(strings.TrimSpace(sizeHex), 16, 32)
		if err != nil {
			return 1, fmt.Errorf("shimclient: bad chunk size %q", line)
		}
		if size == 0 {
			return r.readTrailer()
		}
		if _, err := io.CopyN(w, r.br, int64(size)); err != nil {
			return 1, fmt.Errorf("shimclient: truncated chunk: %w", err)
		}
		// Chunk-terminating CRLF.
		if b, err := r.br.ReadByte(); err == nil && b == '\r' {
			_, _ = r.br.ReadByte()
		}
	}
}

func (r *response) readTrailer() (int, error) {
	code := r.exitCode
	for {
		line, err := readLine(r.br)
		if err != nil || line == "" {
			return code, nil
		}
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), "x-exit-code") {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				code = n
			}
		}
	}
}

func (r *response) close() { r.conn.Close() }

func readLine(br *bufio.Reader) (string, error) {
	s, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(s, "\r\n"), nil
}
