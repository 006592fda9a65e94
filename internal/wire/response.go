package wire

import (
	"fmt"
	"io"
)

// Status lines used by the proxy's uniform error taxonomy.
const (
	StatusOK                = "200 OK"
	StatusNoContent         = "204 No Content"
	StatusBadRequest        = "400 Bad Request"
	StatusUnauthorized      = "401 Unauthorized"
	StatusForbidden         = "403 Forbidden"
	StatusNotFound          = "404 Not Found"
	StatusMethodNotAllowed  = "405 Method Not Allowed"
	StatusConflict          = "409 Conflict"
	StatusUpgradeRequired   = "426 Upgrade Required"
	StatusInternalError     = "500 Internal Server Error"
	StatusGatewayTimeout    = "504 Gateway Timeout"
)

// Canonical error bodies. Every failure is a short newline-terminated line.
const (
	BodyBadRequest       = "bad request\n"
	BodyUnauthorized     = "unauthorized\n"
	BodyForbidden        = "forbidden\n"
	BodyNotFound         = "not found\n"
	BodyMethodNotAllowed = "method not allowed\n"
	BodyUnsupportedProto = "Unsupported shim protocol; expected 1 or 2\n"
	BodyTimeout          = "aifo-coder proxy timeout\n"
)

// ExitCodePolicy is the exit code reported for policy rejections
// (forbidden tool, no sidecar available, malformed request).
const ExitCodePolicy = 86

// ExitCodeTimeout mirrors the conventional timeout(1) exit status.
const ExitCodeTimeout = 124

// WritePlain sends a complete buffered response: status, X-Exit-Code header,
// body, Connection: close. Write errors are ignored; the connection is torn
// down by the caller either way.
func WritePlain(w io.Writer, status string, exitCode int, body []byte) {
	fmt.Fprintf(w,
		"HTTP/1.1 %s\r\nContent-Type: text/plain; charset=utf-8\r\nX-Exit-Code: %d\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		status, exitCode, len(body))
	_, _ = w.Write(body)
}

// WriteNoContent sends the bare 204 used by /signal acknowledgements.
func WriteNoContent(w io.Writer) {
	_, _ = io.WriteString(w, "HTTP/1.1 204 No Content\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
}

// ChunkedWriter streams a protocol-v2 response: a prologue promising the
// X-Exit-Code trailer, hex-framed chunks, and the terminating trailer.
type ChunkedWriter struct {
	w io.Writer
}

func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{w: w}
}

// WritePrologue sends the streaming response head. It must only be called
// after the child process has spawned successfully: once the prologue is on
// the wire the client is committed to chunked decoding.
func (c *ChunkedWriter) WritePrologue(execID string) error {
	head := "HTTP/1.1 200 OK\r\nContent-Type: text/plain; charset=utf-8\r\nTransfer-Encoding: chunked\r\nTrailer: X-Exit-Code\r\nConnection: close\r\n"
	if execID != "" {
		head += "X-Exec-Id: " + execID + "\r\n"
	}
	head += "\r\n"
	_, err := io.WriteString(c.w, head)
	return err
}

// WriteChunk frames one payload chunk. Empty chunks are skipped; a
// zero-length chunk would terminate the stream prematurely.
func (c *ChunkedWriter) WriteChunk(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if _, err := fmt.Fprintf(c.w, "%X\r\n", len(p)); err != nil {
		return err
	}
	if _, err := c.w.Write(p); err != nil {
		return err
	}
	_, err := io.WriteString(c.w, "\r\n")
	return err
}

// WriteTrailer terminates the stream with the zero chunk and the final
// exit code trailer.
func (c *ChunkedWriter) WriteTrailer(exitCode int) error {
	_, err := fmt.Fprintf(c.w, "0\r\nX-Exit-Code: %d\r\n\r\n", exitCode)
	return err
}
