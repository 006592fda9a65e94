// Package routing maps tool names to sidecar kinds and enforces per-kind
// allowlists. Routing is a pure function of the tool name and the set of
// running sidecars; availability probes are delegated to the container
// runtime and memoized for the lifetime of a session.
package routing

import (
	"context"
	"strings"
	"sync"
)

// Kind is a toolchain sidecar family.
type Kind string

const (
	KindRust   Kind = "rust"
	KindNode   Kind = "node"
	KindPython Kind = "python"
	KindCCpp   Kind = "c-cpp"
	KindGo     Kind = "go"
)

// Kinds lists every sidecar family.
var Kinds = []Kind{KindRust, KindNode, KindPython, KindCCpp, KindGo}

// devTools are generic build tools that may exist in several sidecars; they
// are resolved by probing running sidecars in preference order rather than
// by a fixed mapping.
var devTools = map[string]bool{
	"make": true, "cmake": true, "ninja": true, "pkg-config": true,
	"gcc": true, "g++": true, "clang": true, "clang++": true,
	"cc": true, "c++": true,
}

var allowlists = map[Kind][]string{
	KindRust: {"cargo", "rustc",
		"make", "cmake", "ninja", "pkg-config", "gcc", "g++", "clang", "clang++", "cc", "c++"},
	KindNode: {"node", "npm", "npx", "yarn", "pnpm", "deno", "bun", "tsc", "ts-node",
		"make", "cmake", "ninja", "pkg-config", "gcc", "g++", "clang", "clang++", "cc", "c++"},
	KindPython: {"python", "python3", "pip", "pip3", "uv", "uvx",
		"make", "cmake", "ninja", "pkg-config", "gcc", "g++", "clang", "clang++", "cc", "c++"},
	KindCCpp: {"gcc", "g++", "cc", "c++", "clang", "clang++", "make", "cmake", "ninja", "pkg-config"},
	KindGo: {"go", "gofmt",
		"make", "cmake", "ninja", "pkg-config", "gcc", "g++", "clang", "clang++", "cc", "c++"},
}

// Allowlist returns the permitted tool basenames for a sidecar kind.
func Allowlist(kind Kind) []string {
	return allowlists[kind]
}

// Allowed reports whether a tool is permitted for the given kind.
func Allowed(kind Kind, tool string) bool {
	t := strings.ToLower(tool)
	for _, a := range allowlists[kind] {
		if a == t {
			return true
		}
	}
	return false
}

// AllowedAnywhere reports whether any kind's allowlist permits the tool.
// A tool in no allowlist at all is rejected before any container
// interaction is attempted.
func AllowedAnywhere(tool string) bool {
	for _, k := range Kinds {
		if Allowed(k, tool) {
			return true
		}
	}
	return false
}

// RouteTool maps a tool intrinsic to one family to its kind. Shared dev
// tools route to c-cpp here; dynamic selection widens that via probing.
func RouteTool(tool string) Kind {
	switch strings.ToLower(tool) {
	case "cargo", "rustc":
		return KindRust
	case "node", "npm", "npx", "yarn", "pnpm", "deno", "bun", "tsc", "ts-node":
		return KindNode
	case "python", "python3", "pip", "pip3", "uv", "uvx":
		return KindPython
	case "gcc", "g++", "clang", "clang++", "make", "cmake", "ninja", "pkg-config":
		return KindCCpp
	case "go", "gofmt":
		return KindGo
	default:
		return KindNode
	}
}

// PreferredKinds lists the sidecars to try for a tool, in order. Tools
// intrinsic to one family have exactly one preference; shared dev tools
// probe every family, compiled-toolchain sidecars first.
func PreferredKinds(tool string) []Kind {
	t := strings.ToLower(tool)
	if devTools[t] {
		return []Kind{KindCCpp, KindRust, KindGo, KindNode, KindPython}
	}
	return []Kind{RouteTool(t)}
}

// Prober is the slice of the container runtime contract that routing needs.
type Prober interface {
	// KindRunning reports whether the sidecar for the kind is up.
	KindRunning(ctx context.Context, kind Kind) bool
	// ToolAvailable reports whether the executable exists inside the
	// kind's sidecar.
	ToolAvailable(ctx context.Context, kind Kind, tool string) bool
}

// Cache memoizes per-session tool availability so shared dev tools are
// probed at most once per (kind, tool).
type Cache struct {
	mu sync.Mutex
	m  map[string]bool
}

func NewCache() *Cache {
	return &Cache{m: make(map[string]bool)}
}

func (c *Cache) lookup(kind Kind, tool string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[string(kind)+"\x00"+tool]
	return v, ok
}

func (c *Cache) store(kind Kind, tool string, avail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[string(kind)+"\x00"+tool] = avail
}

// SelectKind picks the sidecar kind that will run the tool: the first
// preference whose sidecar is running and reports the tool present. When no
// running sidecar provides the tool, the primary preference is returned
// with ok=false so the caller can emit an availability error naming it.
func SelectKind(ctx context.Context, tool string, p Prober, cache *Cache) (Kind, bool) {
	prefs := PreferredKinds(tool)
	for _, k := range prefs {
		if !p.KindRunning(ctx, k) {
			continue
		}
		avail, cached := cache.lookup(k, tool)
		if !cached {
			avail = p.ToolAvailable(ctx, k, tool)
			cache.store(k, tool, avail)
		}
		if avail {
			return k, true
		}
	}
	return prefs[0], false
}
