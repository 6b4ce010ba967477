// Package routing decides which downstream path a run follows once triage
// has finished. The built-in policy takes triage's route decision and falls
// back to a default route; an optional Lua script may override it.
package routing

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/mpataki/handoff/internal/logging"
	"github.com/mpataki/handoff/internal/models"
)

const (
	// RouteResearch sends a run through research, review and approval.
	RouteResearch = "medical_research"

	scriptTimeout = 2 * time.Second
)

// Decision is the outcome of resolving a route.
type Decision struct {
	Route string
	// Defaulted is set when triage produced no route and the default applied.
	Defaulted bool
	// Scripted is set when the route script chose the route.
	Scripted bool
}

// Research reports whether the run takes the full research path.
func (d Decision) Research() bool {
	return d.Route == RouteResearch
}

type Policy struct {
	defaultRoute string
	script       *lua.FunctionProto
	scriptName   string
	logger       *logging.Logger
}

type Option func(*Policy)

func WithLogger(l *logging.Logger) Option {
	return func(p *Policy) { p.logger = l }
}

// NewPolicy creates a policy without a script. An empty defaultRoute means
// RouteResearch.
func NewPolicy(defaultRoute string, opts ...Option) *Policy {
	if strings.TrimSpace(defaultRoute) == "" {
		defaultRoute = RouteResearch
	}
	p := &Policy{defaultRoute: defaultRoute}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LoadScript reads and compiles a Lua route script from path. The script must
// define a global function route(decision, prompt, artifacts).
func (p *Policy) LoadScript(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read route script: %w", err)
	}
	return p.SetScript(path, string(src))
}

// SetScript compiles src under name. A syntax error leaves the policy unchanged.
func (p *Policy) SetScript(name, src string) error {
	chunk, err := parse.Parse(strings.NewReader(src), name)
	if err != nil {
		return fmt.Errorf("failed to parse route script: %w", err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return fmt.Errorf("failed to compile route script: %w", err)
	}
	p.script = proto
	p.scriptName = name
	return nil
}

func (p *Policy) DefaultRoute() string {
	return p.defaultRoute
}

// Resolve picks the route for a run. decision is triage's route value, empty
// when triage produced none. Script failures are logged and the built-in
// policy applies.
func (p *Policy) Resolve(ctx context.Context, decision, prompt string, artifacts []models.Artifact) Decision {
	if p.script != nil {
		route, err := p.runScript(ctx, decision, prompt, artifacts)
		switch {
		case err != nil:
			p.logger.Warn("route script failed, using built-in policy", "script", p.scriptName, "error", err)
		case route != "":
			return Decision{Route: route, Scripted: true}
		}
	}

	if decision == "" {
		return Decision{Route: p.defaultRoute, Defaulted: true}
	}
	return Decision{Route: decision}
}

func (p *Policy) runScript(ctx context.Context, decision, prompt string, artifacts []models.Artifact) (string, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()
	L.SetContext(ctx)

	openSafeLibs(L)
	L.SetGlobal("DEFAULT_ROUTE", lua.LString(p.defaultRoute))
	L.SetGlobal("log", L.NewFunction(p.luaLog))

	L.Push(L.NewFunctionFromProto(p.script))
	if err := L.PCall(0, 0, nil); err != nil {
		return "", fmt.Errorf("failed to load script: %w", err)
	}

	fn := L.GetGlobal("route")
	if fn.Type() != lua.LTFunction {
		return "", fmt.Errorf("script must define a 'route' function")
	}

	var decisionArg lua.LValue = lua.LNil
	if decision != "" {
		decisionArg = lua.LString(decision)
	}
	list := L.NewTable()
	for _, a := range artifacts {
		list.Append(goToLua(L, a.Data))
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, decisionArg, lua.LString(prompt), list); err != nil {
		return "", fmt.Errorf("route() failed: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	switch v := ret.(type) {
	case *lua.LNilType:
		return "", nil
	case lua.LString:
		return strings.TrimSpace(string(v)), nil
	default:
		return "", fmt.Errorf("route() returned %s, want string or nil", ret.Type())
	}
}

// openSafeLibs loads only the side-effect free standard libraries.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // use log()

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Routing must be deterministic.
	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (p *Policy) luaLog(L *lua.LState) int {
	p.logger.Info("route script", "script", p.scriptName, "message", L.CheckString(1))
	return 0
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
