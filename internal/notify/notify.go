// Package notify implements the /notify endpoint's narrowly-scoped host
// command execution. It is fully independent of sidecars and routing: one
// operator-configured command, addressed by absolute path only, with a
// strict argument-matching policy and its own shorter timeout.
package notify

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// placeholder marks where caller arguments may be appended. It is only
// legal as the final configured token.
const placeholder = "{args}"

// configKey is the YAML key holding the notification command.
const configKey = "notifications-command"

// maxAllowlistEntries caps operator allowlist extensions.
const maxAllowlistEntries = 16

// Options carries the operator knobs for the notifications endpoint.
type Options struct {
	ConfigPath      string // YAML config path; empty = ~/.aider.conf.yml
	MaxArgs         int    // cap on caller args appended after the placeholder
	ExtraAllow      string // comma-separated extra allowed basenames
	SafeDirs        string // comma-separated safe-dir override
	AllowUnsafeDirs bool   // required for SafeDirs to take effect
	TrimEnv         bool   // run with a minimal environment
	EnvAllow        string // comma-separated env names preserved when trimming
	Timeout         time.Duration
}

// PolicyError is a request or configuration rejection; it maps to
// Forbidden at the wire.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return e.Reason }

// SpawnError is a host execution failure; it maps to Server-Error.
type SpawnError struct {
	Basename string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("host '%s' execution failed: %v", e.Basename, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ErrTimeout reports that the command outlived its deadline and was
// terminated; it maps to Gateway-Timeout with exit code 124.
var ErrTimeout = errors.New("notification command timed out")

// Command is the parsed, policy-validated operator configuration.
type Command struct {
	ExecAbs        string
	FixedArgs      []string
	HasPlaceholder bool
}

// Basename returns the executable's basename, which doubles as the
// caller-visible command name.
func (c *Command) Basename() string {
	return filepath.Base(c.ExecAbs)
}

// LoadCommand reads and validates the notifications-command configuration.
// The executable must be an absolute path (no PATH search), and at most one
// placeholder is permitted, strictly as the last token.
func LoadCommand(opts Options) (*Command, error) {
	tokens, err := readConfigTokens(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, &PolicyError{Reason: "notifications-command is empty"}
	}

	execPath := tokens[0]
	if !strings.HasPrefix(execPath, "/") {
		return nil, &PolicyError{Reason: "notifications-command executable must be an absolute path"}
	}
	// Resolve symlinks so the safe-dir check sees the real location.
	if resolved, err := filepath.EvalSymlinks(execPath); err == nil {
		execPath = resolved
	}

	rest := tokens[1:]
	hasPlaceholder := len(rest) > 0 && rest[len(rest)-1] == placeholder
	fixed := rest
	if hasPlaceholder {
		fixed = rest[:len(rest)-1]
	}
	for _, tok := range fixed {
		if tok == placeholder {
			return nil, &PolicyError{Reason: "invalid notifications-command: '{args}' placeholder must be trailing"}
		}
	}

	return &Command{
		ExecAbs:        execPath,
		FixedArgs:      append([]string(nil), fixed...),
		HasPlaceholder: hasPlaceholder,
	}, nil
}

// ResolveArgs applies the argument policy to the caller-declared args.
// Without a placeholder, the caller must repeat the configured arguments
// exactly. With one, caller args are appended after the fixed prefix,
// truncated (not rejected) at maxArgs.
func (c *Command) ResolveArgs(callerArgs []string, maxArgs int) ([]string, error) {
	if !c.HasPlaceholder {
		if len(callerArgs) != len(c.FixedArgs) {
			return nil, argMismatch(c.FixedArgs, callerArgs)
		}
		for i := range callerArgs {
			if callerArgs[i] != c.FixedArgs[i] {
				return nil, argMismatch(c.FixedArgs, callerArgs)
			}
		}
		return append([]string(nil), c.FixedArgs...), nil
	}
	if maxArgs < 1 {
		maxArgs = 1
	}
	extra := callerArgs
	if len(extra) > maxArgs {
		extra = extra[:maxArgs]
	}
	out := append([]string(nil), c.FixedArgs...)
	return append(out, extra...), nil
}

func argMismatch(configured, requested []string) error {
	return &PolicyError{Reason: fmt.Sprintf("arguments mismatch: configured %q vs requested %q", configured, requested)}
}

// Handle validates and, if permitted, executes the requested notification.
// Returns the exit code and combined output on success; a *PolicyError,
// *SpawnError, or ErrTimeout otherwise.
func Handle(opts Options, cmdName string, callerArgs []string) (int, []byte, error) {
	cmd, err := LoadCommand(opts)
	if err != nil {
		return 0, nil, err
	}

	if !inSafeDir(cmd.ExecAbs, opts) {
		return 0, nil, &PolicyError{Reason: fmt.Sprintf("notifications executable '%s' is not in a safe directory", cmd.ExecAbs)}
	}

	basename := cmd.Basename()
	if !allowedBasename(basename, opts.ExtraAllow) {
		return 0, nil, &PolicyError{Reason: fmt.Sprintf("command '%s' not allowed for notifications", basename)}
	}
	if len(cmdName) > 128 {
		return 0, nil, &PolicyError{Reason: "cmd too long"}
	}
	if cmdName != basename {
		return 0, nil, &PolicyError{Reason: fmt.Sprintf("only executable basename '%s' is accepted (got '%s')", basename, cmdName)}
	}
	if len(callerArgs) > 128 {
		return 0, nil, &PolicyError{Reason: "too many args"}
	}
	for _, a := range callerArgs {
		if len(a) > 4096 {
			return 0, nil, &PolicyError{Reason: "argument too long"}
		}
	}

	argv, err := cmd.ResolveArgs(callerArgs, opts.MaxArgs)
	if err != nil {
		return 0, nil, err
	}

	return run(cmd.ExecAbs, argv, opts)
}

// readConfigTokens extracts the notifications-command as argv tokens from
// the YAML config (a string to be shell-split, or a sequence of strings).
func readConfigTokens(path string) ([]string, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, &PolicyError{Reason: "home directory not found"}
		}
		path = filepath.Join(home, ".aider.conf.yml")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &PolicyError{Reason: fmt.Sprintf("cannot read %s: %v", path, err)}
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &PolicyError{Reason: fmt.Sprintf("cannot parse %s: %v", path, err)}
	}
	node, ok := doc[configKey]
	if !ok {
		return nil, &PolicyError{Reason: configKey + " not found in " + path}
	}

	switch node.Kind {
	case yaml.SequenceNode:
		var tokens []string
		if err := node.Decode(&tokens); err != nil {
			return nil, &PolicyError{Reason: configKey + " must be a sequence of strings"}
		}
		if len(tokens) == 0 {
			return nil, &PolicyError{Reason: configKey + " is empty or malformed"}
		}
		return tokens, nil
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return nil, &PolicyError{Reason: configKey + " must be a string or sequence"}
		}
		tokens := shellSplit(s)
		if len(tokens) == 0 {
			return nil, &PolicyError{Reason: configKey + " parsed to an empty command"}
		}
		return tokens, nil
	default:
		return nil, &PolicyError{Reason: configKey + " must be a string or sequence"}
	}
}

func allowedBasename(basename, extra string) bool {
	if basename == "say" {
		return true
	}
	n := 1
	for _, part := range strings.Split(extra, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		if name == basename {
			return true
		}
		n++
		if n >= maxAllowlistEntries {
			break
		}
	}
	return false
}

// defaultSafeDirs are the host directories a notifications executable may
// live in; overriding them requires an explicit unsafe opt-in.
var defaultSafeDirs = []string{"/usr/bin", "/bin", "/usr/local/bin", "/opt/homebrew/bin"}

func inSafeDir(execAbs string, opts Options) bool {
	dirs := defaultSafeDirs
	if opts.AllowUnsafeDirs && opts.SafeDirs != "" {
		var override []string
		for _, part := range strings.Split(opts.SafeDirs, ",") {
			if p := strings.TrimSpace(part); p != "" {
				override = append(override, p)
				if len(override) >= maxAllowlistEntries {
					break
				}
			}
		}
		if len(override) > 0 {
			dirs = override
		}
	}
	for _, d := range dirs {
		if resolved, err := filepath.EvalSymlinks(d); err == nil {
			d = resolved
		}
		if execAbs == d || strings.HasPrefix(execAbs, strings.TrimSuffix(d, "/")+"/") {
			return true
		}
	}
	return false
}

// shellSplit tokenizes a command string with POSIX-ish quoting: single and
// double quotes group words, backslash escapes the next byte outside single
// quotes.
func shellSplit(s string) []string {
	var (
		tokens  []string
		cur     strings.Builder
		inWord  bool
		quote   byte
		escaped bool
	)
	flush := func() {
		if inWord {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inWord = false
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			inWord = true
			escaped = false
		case quote == '\'':
			if c == '\'' {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case quote == '"':
			switch c {
			case '"':
				quote = 0
			case '\\':
				escaped = true
			default:
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inWord = true
		case c == '\\':
			escaped = true
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			flush()
		default:
			cur.WriteByte(c)
			inWord = true
		}
	}
	flush()
	return tokens
}
