package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lua "github.com/yuin/gopher-lua"

	"ledbar/internal/core"
)

// ScriptTimeout bounds a single call into a format script.
const ScriptTimeout = time.Second

// ErrNoRenderFunc is returned when a format script does not define render.
var ErrNoRenderFunc = errors.New("format script does not define a render function")

// Script is a Lua format script. The script must define a global function
// render(state) returning the status text, where state has the fields on,
// brightness, percent, palette and colors (a 1-based list of three colors).
//
// A Script is not safe for concurrent use.
type Script struct {
	path   string
	state  *lua.LState
	render *lua.LFunction
	logger *slog.Logger
}

// LoadScript runs the file at path in a fresh Lua state and resolves its
// render function.
func LoadScript(path string, logger *slog.Logger) (*Script, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Script{path: path, state: lua.NewState(), logger: logger}
	s.registerGoFunctions()

	if err := s.state.DoFile(path); err != nil {
		s.state.Close()
		return nil, fmt.Errorf("load format script %s: %w", path, err)
	}
	fn, ok := s.state.GetGlobal("render").(*lua.LFunction)
	if !ok {
		s.state.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrNoRenderFunc)
	}
	s.render = fn
	return s, nil
}

// Render calls the script's render function for cfg.
func (s *Script) Render(cfg core.Config) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ScriptTimeout)
	defer cancel()
	s.state.SetContext(ctx)
	defer s.state.RemoveContext()

	err := s.state.CallByParam(lua.P{
		Fn:      s.render,
		NRet:    1,
		Protect: true,
	}, s.stateTable(cfg))
	if err != nil {
		return "", fmt.Errorf("format script %s: %w", s.path, err)
	}
	ret := s.state.Get(-1)
	s.state.Pop(1)

	str, ok := ret.(lua.LString)
	if !ok {
		return "", fmt.Errorf("format script %s: render returned %s, want string", s.path, ret.Type())
	}
	return string(str), nil
}

// Close releases the Lua state.
func (s *Script) Close() {
	s.state.Close()
}

func (s *Script) stateTable(cfg core.Config) *lua.LTable {
	L := s.state
	t := L.NewTable()
	t.RawSetString("on", lua.LBool(cfg.On))
	t.RawSetString("brightness", lua.LNumber(cfg.GlobalBrightness))
	t.RawSetString("percent", lua.LNumber(Percent(cfg.GlobalBrightness)))
	t.RawSetString("palette", lua.LNumber(cfg.Palette()))

	colors := L.NewTable()
	for _, c := range Colors(cfg.Palette()) {
		colors.Append(lua.LString(c))
	}
	t.RawSetString("colors", colors)
	return t
}

// registerGoFunctions exposes Go helpers to the script.
func (s *Script) registerGoFunctions() {
	L := s.state
	L.SetGlobal("span", L.NewFunction(luaSpan))
	L.SetGlobal("status", L.NewFunction(luaStatus))
	L.SetGlobal("print", L.NewFunction(s.luaPrint))
}

func luaSpan(L *lua.LState) int {
	L.Push(lua.LString(Span(L.CheckString(1), L.CheckString(2))))
	return 1
}

// luaStatus returns the built-in rendering of the state table.
func luaStatus(L *lua.LState) int {
	t := L.CheckTable(1)
	cfg := core.Config{
		On:               core.Switch(lua.LVAsBool(t.RawGetString("on"))),
		GlobalBrightness: float64(lua.LVAsNumber(t.RawGetString("brightness"))),
		Groups:           core.Groups{Main: core.Group{Palette: int(lua.LVAsNumber(t.RawGetString("palette")))}},
	}
	L.Push(lua.LString(Status(cfg)))
	return 1
}

func (s *Script) luaPrint(L *lua.LState) int {
	s.logger.Info("format script", "message", L.ToString(1))
	return 0
}
