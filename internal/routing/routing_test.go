package routing

import (
	"context"
	"testing"
)

func TestRouteToolIntrinsic(t *testing.T) {
	cases := map[string]Kind{
		"cargo":  KindRust,
		"rustc":  KindRust,
		"node":   KindNode,
		"npm":    KindNode,
		"tsc":    KindNode,
		"python": KindPython,
		"pip":    KindPython,
		"gcc":    KindCCpp,
		"make":   KindCCpp,
		"go":     KindGo,
		"gofmt":  KindGo,
		"CARGO":  KindRust, // case-insensitive
	}
	for tool, want := range cases {
		if got := RouteTool(tool); got != want {
			t.Errorf("RouteTool(%q) = %v, want %v", tool, got, want)
		}
	}
}

func TestPreferredKindsDevTools(t *testing.T) {
	prefs := PreferredKinds("make")
	want := []Kind{KindCCpp, KindRust, KindGo, KindNode, KindPython}
	if len(prefs) != len(want) {
		t.Fatalf("got %v, want %v", prefs, want)
	}
	for i := range want {
		if prefs[i] != want[i] {
			t.Fatalf("got %v, want %v", prefs, want)
		}
	}

	if got := PreferredKinds("cargo"); len(got) != 1 || got[0] != KindRust {
		t.Errorf("PreferredKinds(cargo) = %v", got)
	}
}

func TestAllowedAnywhere(t *testing.T) {
	for _, tool := range []string{"cargo", "npm", "pip3", "gofmt", "ninja"} {
		if !AllowedAnywhere(tool) {
			t.Errorf("expected %q allowed somewhere", tool)
		}
	}
	for _, tool := range []string{"rm", "bash", "curl", "ssh", ""} {
		if AllowedAnywhere(tool) {
			t.Errorf("expected %q in no allowlist", tool)
		}
	}
}

type fakeProber struct {
	running map[Kind]bool
	tools   map[Kind]map[string]bool
	probes  int
}

func (f *fakeProber) KindRunning(_ context.Context, k Kind) bool { return f.running[k] }

func (f *fakeProber) ToolAvailable(_ context.Context, k Kind, tool string) bool {
	f.probes++
	return f.tools[k][tool]
}

func TestSelectKindProbesInPreferenceOrder(t *testing.T) {
	p := &fakeProber{
		running: map[Kind]bool{KindRust: true, KindNode: true},
		tools: map[Kind]map[string]bool{
			KindRust: {"make": true},
			KindNode: {"make": true},
		},
	}
	kind, ok := SelectKind(context.Background(), "make", p, NewCache())
	if !ok || kind != KindRust {
		t.Errorf("SelectKind = (%v, %v), want (rust, true)", kind, ok)
	}
}

func TestSelectKindSkipsStoppedSidecars(t *testing.T) {
	p := &fakeProber{
		running: map[Kind]bool{KindPython: true},
		tools:   map[Kind]map[string]bool{KindPython: {"make": true}},
	}
	kind, ok := SelectKind(context.Background(), "make", p, NewCache())
	if !ok || kind != KindPython {
		t.Errorf("SelectKind = (%v, %v), want (python, true)", kind, ok)
	}
}

func TestSelectKindNothingRunning(t *testing.T) {
	p := &fakeProber{}
	kind, ok := SelectKind(context.Background(), "cargo", p, NewCache())
	if ok {
		t.Error("expected ok=false with no sidecars running")
	}
	if kind != KindRust {
		t.Errorf("fallback kind = %v, want rust", kind)
	}
}

func TestSelectKindCachesProbes(t *testing.T) {
	p := &fakeProber{
		running: map[Kind]bool{KindCCpp: true},
		tools:   map[Kind]map[string]bool{KindCCpp: {"make": true}},
	}
	cache := NewCache()
	for i := 0; i < 5; i++ {
		if _, ok := SelectKind(context.Background(), "make", p, cache); !ok {
			t.Fatal("expected make available")
		}
	}
	if p.probes != 1 {
		t.Errorf("probe ran %d times, want 1 (cached)", p.probes)
	}
}
