package tools

import (
	"context"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"gemcli/errors"
	"gemcli/permission"
	"gemcli/session"
)

// Param types accepted in tool declarations.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Declaration is the schema a tool advertises to the model. Backend
// adapters translate it to their native function-declaration shape.
type Declaration struct {
	Name        string
	Description string
	Params      []Param
}

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	Declaration() Declaration
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Target is one path/operation pair a tool wants checked before it runs.
type Target struct {
	Path string
	Op   string
}

// Guarded is implemented by tools whose execution touches the filesystem
// or runs commands. Guard reports every path and operation to check before
// Execute runs; a move reports both its source and its destination. An
// empty slice means no check is needed for these args.
type Guarded interface {
	Guard(args map[string]interface{}) []Target
}

// Registry holds all available tools.
type Registry struct {
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Declarations returns the schemas of all registered tools in registration
// order, so the model sees a stable tool list across rounds.
func (r *Registry) Declarations() []Declaration {
	decls := make([]Declaration, 0, len(r.order))
	for _, name := range r.order {
		decls = append(decls, r.tools[name].Declaration())
	}
	return decls
}

// Subset builds a registry containing only the named tools, for delegated
// sub-agents that run with a restricted surface.
func (r *Registry) Subset(names []string) (*Registry, error) {
	sub := NewRegistry()
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			return nil, errors.New("unknown tool %q", name)
		}
		sub.Register(t)
	}
	return sub, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Asker resolves an Ask decision interactively. It may record the answer
// on the permission manager (trust, untrust, allow once) before returning.
type Asker func(tool, path, op string) permission.Decision

// Result is the outcome of one tool call. Exactly one Result is produced
// per FunctionCall, failure or not; tool errors are data for the model,
// never control flow for the turn.
type Result struct {
	CallID string
	Name   string
	Output string
	Err    error
}

// Response shapes the result as a functionResponse payload.
func (r Result) Response() map[string]interface{} {
	if r.Err != nil {
		return map[string]interface{}{"error": r.Err.Error()}
	}
	return map[string]interface{}{"output": r.Output}
}

// Executor runs function calls against the registry behind the permission
// manager.
type Executor struct {
	Registry *Registry
	Perms    *permission.Manager
	Ask      Asker
}

// ExecuteCalls runs the calls sequentially in the order issued and returns
// one result per call in the same order.
func (e *Executor) ExecuteCalls(ctx context.Context, calls []session.FunctionCall) []Result {
	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		results = append(results, e.executeOne(ctx, call))
	}
	return results
}

func (e *Executor) executeOne(ctx context.Context, call session.FunctionCall) (res Result) {
	res = Result{CallID: call.ID, Name: call.Name}

	// A panicking tool must not take the turn down with it.
	defer func() {
		if r := recover(); r != nil {
			res.Output = ""
			res.Err = errors.New("tool %s panicked: %v", call.Name, r)
		}
	}()

	tool, ok := e.Registry.Get(call.Name)
	if !ok {
		res.Err = errors.WithKind(errors.KindInvalidArguments, "unknown tool %q", call.Name)
		return res
	}
	if err := validateArgs(tool.Declaration(), call.Args); err != nil {
		res.Err = err
		return res
	}
	if g, ok := tool.(Guarded); ok {
		for _, target := range g.Guard(call.Args) {
			if target.Path == "" {
				continue
			}
			if err := e.checkPermission(call.Name, target.Path, target.Op); err != nil {
				res.Err = err
				return res
			}
		}
	}
	out, err := tool.Execute(ctx, call.Args)
	res.Output, res.Err = out, err
	return res
}

func (e *Executor) checkPermission(tool, path, op string) error {
	switch e.Perms.Check(path, op) {
	case permission.Allow:
		return nil
	case permission.Deny:
		return errors.WithKind(errors.KindPermissionDenied, "%s on %s is not permitted", op, path)
	}
	if e.Ask == nil {
		return errors.WithKind(errors.KindPermissionDenied, "%s on %s requires approval and no prompt is available", op, path)
	}
	if e.Ask(tool, path, op) == permission.Allow {
		return nil
	}
	return errors.WithKind(errors.KindPermissionDenied, "user denied %s on %s", op, path)
}

// validateArgs checks required params are present and every supplied value
// has the declared type. Unknown args are rejected so typos surface as
// InvalidArguments instead of silently ignored knobs.
func validateArgs(decl Declaration, args map[string]interface{}) error {
	byName := make(map[string]Param, len(decl.Params))
	for _, p := range decl.Params {
		byName[p.Name] = p
		if p.Required {
			if _, ok := args[p.Name]; !ok {
				return errors.WithKind(errors.KindInvalidArguments, "%s: missing required argument %q", decl.Name, p.Name)
			}
		}
	}
	for name, val := range args {
		p, ok := byName[name]
		if !ok {
			return errors.WithKind(errors.KindInvalidArguments, "%s: unknown argument %q", decl.Name, name)
		}
		if val == nil {
			continue
		}
		if err := checkType(p, val); err != nil {
			return errors.WrapKind(err, errors.KindInvalidArguments, "%s: argument %q", decl.Name, name)
		}
	}
	return nil
}

func checkType(p Param, val interface{}) error {
	switch p.Type {
	case TypeString:
		if _, ok := val.(string); !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
	case TypeBoolean:
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", val)
		}
	case TypeNumber:
		if !isNumeric(val) {
			return fmt.Errorf("expected number, got %T", val)
		}
	case TypeInteger:
		// JSON decoding hands integers over as float64.
		f, ok := asFloat(val)
		if !ok || f != math.Trunc(f) {
			return fmt.Errorf("expected integer, got %v", val)
		}
	}
	return nil
}

func isNumeric(val interface{}) bool {
	_, ok := asFloat(val)
	return ok
}

func asFloat(val interface{}) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Typed argument accessors shared by the tool implementations.

func stringArg(args map[string]interface{}, name string) (string, bool) {
	s, ok := args[name].(string)
	return s, ok
}

func intArg(args map[string]interface{}, name string) (int, bool) {
	f, ok := asFloat(args[name])
	if !ok {
		return 0, false
	}
	return int(f), true
}

func boolArg(args map[string]interface{}, name string) (bool, bool) {
	b, ok := args[name].(bool)
	return b, ok
}

// Tool output caps from the original CLI. Long output keeps its head and
// tail with an explicit marker in between so the model knows content is
// missing.
const (
	maxToolOutput = 4000
	truncKeep     = 2000
)

func truncateOutput(s string) string {
	if len(s) <= maxToolOutput {
		return s
	}
	// Back both cut points off to rune boundaries so the result stays
	// valid UTF-8.
	head := truncKeep
	for head > 0 && !utf8.RuneStart(s[head]) {
		head--
	}
	tail := len(s) - truncKeep
	for tail < len(s) && !utf8.RuneStart(s[tail]) {
		tail++
	}
	return s[:head] + "\n...[TRUNCATED]...\n" + s[tail:]
}
