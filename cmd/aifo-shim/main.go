// aifo-shim is the sandbox-side forwarder. It is installed under tool
// names (cargo, go, npm, ...) on the agent's PATH; when invoked it posts
// the invocation to the host proxy, relays output, and exits with the
// tool's exit code. Repeated interrupts escalate INT -> TERM -> KILL via
// the proxy's signal endpoint.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/aifo-coder/toolexec/pkg/shimclient"
)

func main() {
	os.Exit(run())
}

func run() int {
	tool, args := resolveTool()
	if tool == "" {
		fmt.Fprintln(os.Stderr, "aifo-shim: usage: aifo-shim <tool> [args...]")
		return 2
	}

	rawURL := os.Getenv("AIFO_TOOLEEXEC_URL")
	if rawURL == "" {
		fmt.Fprintln(os.Stderr, "aifo-shim: AIFO_TOOLEEXEC_URL is not set")
		return 2
	}
	token := os.Getenv("AIFO_TOOLEEXEC_TOKEN")

	proto := shimclient.ProtoStreaming
	if os.Getenv("AIFO_SHIM_PROTO") == "1" {
		proto = shimclient.ProtoBuffered
	}
	client := shimclient.New(rawURL, token, proto)

	cwd, _ := os.Getwd()
	execID := uuid.NewString()

	stopEscalation := startEscalation(client, execID)
	defer stopEscalation()

	var out io.Writer = os.Stdout
	var flush func()
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		bw := bufio.NewWriter(os.Stdout)
		out = bw
		flush = func() { bw.Flush() }
	}

	code, err := client.Exec(tool, cwd, args, execID, out)
	if flush != nil {
		flush()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "aifo-shim: %v\n", err)
		return 1
	}
	return code
}

// resolveTool derives the tool name from argv[0] when installed under a
// tool's name, or from argv[1] when run as aifo-shim directly.
func resolveTool() (string, []string) {
	base := filepath.Base(os.Args[0])
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base != "aifo-shim" {
		return base, os.Args[1:]
	}
	if len(os.Args) < 2 {
		return "", nil
	}
	return os.Args[1], os.Args[2:]
}

// startEscalation posts escalating signals for repeated cancel gestures:
// first interrupt INT, second TERM, third and later KILL. Delivery is
// best-effort; the proxy treats unknown exec ids as no-ops.
func startEscalation(client *shimclient.Client, execID string) func() {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		count := 0
		for range ch {
			count++
			sig := "KILL"
			switch count {
			case 1:
				sig = "INT"
			case 2:
				sig = "TERM"
			}
			if err := client.Signal(execID, sig); err != nil {
				fmt.Fprintf(os.Stderr, "aifo-shim: signal %s: %v\n", sig, err)
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(ch)
	}
}
