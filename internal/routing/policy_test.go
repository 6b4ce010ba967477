package routing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mpataki/handoff/internal/models"
)

func TestResolve_BuiltIn(t *testing.T) {
	p := NewPolicy("")

	tests := []struct {
		name      string
		decision  string
		want      string
		defaulted bool
	}{
		{"no route artifact", "", RouteResearch, true},
		{"research route", "medical_research", RouteResearch, false},
		{"direct route", "social", "social", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Resolve(context.Background(), tt.decision, "prompt", nil)
			if d.Route != tt.want || d.Defaulted != tt.defaulted || d.Scripted {
				t.Errorf("Resolve(%q) = %+v", tt.decision, d)
			}
		})
	}
}

func TestResolve_CustomDefault(t *testing.T) {
	p := NewPolicy("quick_answer")
	d := p.Resolve(context.Background(), "", "prompt", nil)
	if d.Route != "quick_answer" || !d.Defaulted || d.Research() {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestResolve_Script(t *testing.T) {
	p := NewPolicy("")
	err := p.SetScript("route.lua", `
function route(decision, prompt, artifacts)
  if string.find(string.lower(prompt), "tweet") then
    return "social"
  end
  for _, a in ipairs(artifacts) do
    if a.confidence ~= nil and a.confidence < 0.5 then
      return DEFAULT_ROUTE
    end
  end
  return nil
end
`)
	if err != nil {
		t.Fatalf("SetScript failed: %v", err)
	}

	d := p.Resolve(context.Background(), "medical_research", "Write a tweet on sleep", nil)
	if d.Route != "social" || !d.Scripted {
		t.Errorf("expected script to choose social, got %+v", d)
	}

	artifacts := []models.Artifact{{Data: map[string]any{"route": "social", "confidence": 0.2}}}
	d = p.Resolve(context.Background(), "social", "Explain sleep apnea", artifacts)
	if d.Route != RouteResearch || !d.Scripted {
		t.Errorf("expected script to fall back to DEFAULT_ROUTE, got %+v", d)
	}

	d = p.Resolve(context.Background(), "social", "Explain sleep apnea", nil)
	if d.Route != "social" || d.Scripted {
		t.Errorf("nil from script should keep triage decision, got %+v", d)
	}
}

func TestResolve_ScriptErrorsFallBack(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"runtime error", `function route() error("boom") end`},
		{"missing function", `x = 1`},
		{"wrong return type", `function route() return 42 end`},
		{"sandboxed io", `function route() return io.read() end`},
		{"sandboxed os", `function route() return os.getenv("HOME") end`},
		{"runaway loop", `function route() while true do end end`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy("")
			if err := p.SetScript("route.lua", tt.src); err != nil {
				t.Fatalf("SetScript failed: %v", err)
			}
			d := p.Resolve(context.Background(), "social", "prompt", nil)
			if d.Route != "social" || d.Scripted {
				t.Errorf("expected built-in decision, got %+v", d)
			}
		})
	}
}

func TestSetScript_SyntaxError(t *testing.T) {
	p := NewPolicy("")
	if err := p.SetScript("bad.lua", "function route("); err == nil {
		t.Error("expected parse error")
	}
	if d := p.Resolve(context.Background(), "", "p", nil); d.Scripted {
		t.Error("policy should stay script-free after a failed load")
	}
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "route.lua")
	if err := os.WriteFile(path, []byte(`function route(d, p) return "direct" end`), 0644); err != nil {
		t.Fatal(err)
	}

	p := NewPolicy("")
	if err := p.LoadScript(path); err != nil {
		t.Fatalf("LoadScript failed: %v", err)
	}
	if d := p.Resolve(context.Background(), "", "p", nil); d.Route != "direct" {
		t.Errorf("expected direct, got %+v", d)
	}
	if err := p.LoadScript(filepath.Join(t.TempDir(), "missing.lua")); err == nil {
		t.Error("expected error for missing file")
	}
}
