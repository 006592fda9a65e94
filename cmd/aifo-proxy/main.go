// aifo-proxy runs the host-side toolexec service: it binds the listener,
// prints the URL and bearer token for shims to use, and supervises tool
// executions until interrupted.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aifo-coder/toolexec/internal/config"
	"github.com/aifo-coder/toolexec/internal/metrics"
	"github.com/aifo-coder/toolexec/internal/proxy"
	"github.com/aifo-coder/toolexec/internal/runtime"
)

var (
	flagPort    int
	flagBind    string
	flagUnix    bool
	flagSession string
	flagToken   string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "aifo-proxy",
	Short: "Host-side tool execution proxy for sandboxed coding agents",
	Long: `aifo-proxy forwards tool invocations from a sandboxed agent to long-lived
toolchain sidecar containers (aifo-tc-<kind>-<session>), supervising each
execution's process group end to end.

On startup it prints the proxy URL and bearer token; export them as
AIFO_TOOLEEXEC_URL and AIFO_TOOLEEXEC_TOKEN inside the sandbox so the
shim can reach the proxy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "TCP port to bind (0 picks an ephemeral port)")
	rootCmd.Flags().StringVar(&flagBind, "bind", "", "TCP bind host (default from AIFO_TOOLEEXEC_BIND)")
	rootCmd.Flags().BoolVar(&flagUnix, "unix", false, "bind a unix domain socket instead of TCP (linux)")
	rootCmd.Flags().StringVar(&flagSession, "session", "", "session id scoping sidecar names (default: random)")
	rootCmd.Flags().StringVar(&flagToken, "token", "", "bearer token (default: random)")
	rootCmd.Flags().BoolVar(&flagVerbose, "verbose", false, "log each request")
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagPort != 0 {
		cfg.Port = flagPort
	}
	if flagBind != "" {
		cfg.BindHost = flagBind
	}
	if flagUnix {
		cfg.UseUnix = true
	}
	if flagVerbose {
		cfg.Verbose = true
	}

	session := flagSession
	if session == "" {
		session = strings.Split(uuid.NewString(), "-")[0]
	}
	token := flagToken
	if token == "" {
		token = uuid.NewString()
	}

	rt, err := runtime.NewCLI(cfg.RuntimePath)
	if err != nil {
		return fmt.Errorf("container runtime: %w", err)
	}

	srv := proxy.New(cfg, rt, token, session)
	url, err := srv.Listen()
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		metrics.StartMetricsServer(cfg.MetricsAddr)
		log.Printf("proxy: metrics on %s", cfg.MetricsAddr)
	}

	fmt.Printf("AIFO_TOOLEEXEC_URL=%s\n", url)
	fmt.Printf("AIFO_TOOLEEXEC_TOKEN=%s\n", token)
	log.Printf("proxy: session %s listening on %s", session, url)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	select {
	case sig := <-done:
		log.Printf("proxy: received %s, shutting down", sig)
		srv.Close()
		return nil
	case err := <-errCh:
		srv.Close()
		return err
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
