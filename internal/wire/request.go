// Package wire implements the minimal HTTP subset spoken between the shim
// and the proxy: one request per connection, tolerant header framing, and
// chunked responses carrying an X-Exit-Code trailer. It is deliberately not
// a general-purpose HTTP server; the framing is exactly what the shim needs.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Endpoint identifies a recognized proxy path. Classification is a pure
// function of the exact path; body and query never influence routing.
type Endpoint int

const (
	EndpointUnknown Endpoint = iota
	EndpointExec
	EndpointSignal
	EndpointNotify
)

// Pair is one decoded key=value from a query string or form body.
// Order and repetition are preserved (repeated "arg" keys carry argv).
type Pair struct {
	Key   string
	Value string
}

// Request is a parsed proxy request. Path and header keys are lowercased.
type Request struct {
	Method  string
	Path    string
	Query   []Pair
	Headers map[string]string
	Body    []byte
}

// Limits caps request parsing. Violating any cap is a parse error, never a
// panic and never a silent truncation.
type Limits struct {
	HeaderBytes int
	HeaderLines int
	BodyBytes   int
}

var (
	ErrHeadersTooLarge  = errors.New("wire: header section exceeds cap")
	ErrTooManyHeaders   = errors.New("wire: header line count exceeds cap")
	ErrBodyTooLarge     = errors.New("wire: body exceeds cap")
	ErrTruncatedBody    = errors.New("wire: body shorter than declared length")
	ErrMalformedRequest = errors.New("wire: malformed request")
)

// ClassifyEndpoint maps an exact lowercased path to an endpoint.
func ClassifyEndpoint(path string) Endpoint {
	switch path {
	case "/exec":
		return EndpointExec
	case "/signal":
		return EndpointSignal
	case "/notify":
		return EndpointNotify
	default:
		return EndpointUnknown
	}
}

// ReadRequest parses a single request from r. Both CRLFCRLF and LFLF header
// termination are accepted. Transfer-Encoding: chunked takes precedence over
// Content-Length when both are present.
func ReadRequest(r io.Reader, lim Limits) (*Request, error) {
	br := bufio.NewReader(r)

	head, err := readHeaderSection(br, lim.HeaderBytes)
	if err != nil {
		return nil, err
	}

	lines := splitHeaderLines(head)
	if len(lines) == 0 {
		return nil, ErrMalformedRequest
	}
	if len(lines) > lim.HeaderLines {
		return nil, ErrTooManyHeaders
	}

	method, path, query, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(lines)-1)
	for _, ln := range lines[1:] {
		k, v, ok := strings.Cut(ln, ":")
		if !ok {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	var body []byte
	if strings.Contains(strings.ToLower(headers["transfer-encoding"]), "chunked") {
		body, err = readChunkedBody(br, lim.BodyBytes)
	} else if cl := headers["content-length"]; cl != "" {
		body, err = readFixedBody(br, cl, lim.BodyBytes)
	}
	if err != nil {
		return nil, err
	}

	return &Request{
		Method:  method,
		Path:    path,
		Query:   query,
		Headers: headers,
		Body:    body,
	}, nil
}

// readHeaderSection consumes bytes up to and including the header terminator,
// returning the header bytes without the terminator.
func readHeaderSection(br *bufio.Reader, cap int) ([]byte, error) {
	buf := make([]byte, 0, 512)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, ErrMalformedRequest
		}
		buf = append(buf, b)
		if len(buf) > cap {
			return nil, ErrHeadersTooLarge
		}
		if b != '\n' {
			continue
		}
		if n := len(buf); n >= 4 && string(buf[n-4:]) == "\r\n\r\n" {
			return buf[:n-4], nil
		} else if n >= 2 && string(buf[n-2:]) == "\n\n" {
			return buf[:n-2], nil
		}
	}
}

func splitHeaderLines(head []byte) []string {
	raw := strings.Split(string(head), "\n")
	out := make([]string, 0, len(raw))
	for _, ln := range raw {
		ln = strings.TrimRight(ln, "\r")
		if ln != "" {
			out = append(out, ln)
		}
	}
	return out
}

func parseRequestLine(line string) (method, path string, query []Pair, err error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", nil, ErrMalformedRequest
	}
	method = strings.ToUpper(fields[0])
	target := fields[1]
	path = target
	if idx := strings.IndexByte(target, '?'); idx >= 0 {
		path = target[:idx]
		query = ParseForm(target[idx+1:])
	}
	return method, strings.ToLower(path), query, nil
}

func readFixedBody(br *bufio.Reader, contentLength string, cap int) ([]byte, error) {
	n, err := strconv.Atoi(strings.TrimSpace(contentLength))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: bad content-length", ErrMalformedRequest)
	}
	if n > cap {
		return nil, ErrBodyTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, ErrTruncatedBody
	}
	return body, nil
}

// readChunkedBody decodes chunked transfer encoding: hex-size line, payload,
// CRLF, terminated by a zero-size chunk and optional trailers.
func readChunkedBody(br *bufio.Reader, cap int) ([]byte, error) {
	var body []byte
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, ErrTruncatedBody
		}
		if line == "" {
			continue
		}
		sizeHex, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseUint(strings.TrimSpace(sizeHex), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad chunk size", ErrMalformedRequest)
		}
		if size == 0 {
			// Consume trailers until a blank line or EOF.
			for {
				tr, err := readLine(br)
				if err != nil || tr == "" {
					return body, nil
				}
			}
		}
		if len(body)+int(size) > cap {
			return nil, ErrBodyTooLarge
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, ErrTruncatedBody
		}
		body = append(body, chunk...)
		// Trailing CRLF (or LF) after the payload.
		if b, err := br.ReadByte(); err == nil && b == '\r' {
			_, _ = br.ReadByte()
		}
	}
}

func readLine(br *bufio.Reader) (string, error) {
	s, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(s, "\r\n"), nil
}

// ParseForm decodes application/x-www-form-urlencoded pairs, preserving
// order and repeated keys. '+' becomes a space; invalid %XX escapes pass
// through literally rather than failing the parse.
func ParseForm(s string) []Pair {
	var out []Pair
	for _, pair := range strings.Split(s, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		out = append(out, Pair{Key: URLDecode(k), Value: URLDecode(v)})
	}
	return out
}

// URLDecode is a tolerant percent-decoder: '+' maps to space and malformed
// escapes are kept verbatim.
func URLDecode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '+':
			b.WriteByte(' ')
		case '%':
			if i+2 < len(s) {
				if hi, ok1 := unhex(s[i+1]); ok1 {
					if lo, ok2 := unhex(s[i+2]); ok2 {
						b.WriteByte(hi<<4 | lo)
						i += 2
						continue
					}
				}
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
