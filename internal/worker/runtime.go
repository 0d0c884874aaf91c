package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/nodebooks/kernel/internal/domain/model"
)

var errEvalCancelled = errors.New("evaluation cancelled")

// PackageResolver loads a declared notebook package for require(). The
// default resolver fails deterministically; hosts with an installed package
// tree plug in their own.
type PackageResolver interface {
	Resolve(name, version string) (any, error)
}

type unresolvedPackages struct{}

func (unresolvedPackages) Resolve(name, version string) (any, error) {
	return nil, fmt.Errorf("package %s@%s is not installed in this kernel", name, version)
}

var _ PackageResolver = unresolvedPackages{}

// Hooks receive side effects produced while user code runs. Stream text is
// raw; batching happens in the caller. Display values arrive sanitized.
type Hooks struct {
	Stream   func(name model.StreamName, text string)
	Display  func(value any, id string, update bool)
	Resolver PackageResolver
}

// Runtime hosts one JS context reused across jobs. Globals introduced by a
// job are wiped before the next one runs and reseeded from the job spec, so
// results depend only on (code, env, globals). Handler refs and pinned
// display ids live as long as the runtime does.
type Runtime struct {
	vm       *goja.Runtime
	hooks    Hooks
	timers   *timerQueue
	handlers *handlerRegistry
	baseline map[string]struct{}
	// tombstones are var-declared globals from previous jobs. Script var
	// bindings are non-configurable, so the reset cannot delete them; it
	// blanks them to undefined and the snapshot skips them while blank.
	tombstones map[string]struct{}
	packages   map[string]string
	displayIDs map[string]struct{}
}

func NewRuntime(hooks Hooks) *Runtime {
	if hooks.Stream == nil {
		hooks.Stream = func(model.StreamName, string) {}
	}
	if hooks.Display == nil {
		hooks.Display = func(any, string, bool) {}
	}
	if hooks.Resolver == nil {
		hooks.Resolver = unresolvedPackages{}
	}
	r := &Runtime{
		vm:         goja.New(),
		hooks:      hooks,
		timers:     newTimerQueue(),
		handlers:   newHandlerRegistry(),
		tombstones: make(map[string]struct{}),
		displayIDs: make(map[string]struct{}),
	}
	r.install()
	r.baseline = make(map[string]struct{})
	for _, k := range r.vm.GlobalObject().Keys() {
		r.baseline[k] = struct{}{}
	}
	return r
}

func (r *Runtime) install() {
	vm := r.vm

	console := vm.NewObject()
	logTo := func(name model.StreamName) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			r.hooks.Stream(name, r.formatArgs(call.Arguments)+"\n")
			return goja.Undefined()
		}
	}
	_ = console.Set("log", logTo(model.StreamStdout))
	_ = console.Set("info", logTo(model.StreamStdout))
	_ = console.Set("debug", logTo(model.StreamStdout))
	_ = console.Set("warn", logTo(model.StreamStderr))
	_ = console.Set("error", logTo(model.StreamStderr))
	_ = vm.Set("console", console)

	_ = vm.Set("display", func(call goja.FunctionCall) goja.Value {
		clean, _ := sanitizeValue(call.Argument(0).Export(), sanitizeDisplay, r.handlers)
		var id string
		if a := call.Argument(1); a != nil && !goja.IsUndefined(a) && !goja.IsNull(a) {
			id = a.String()
		}
		update := false
		if id != "" {
			if _, seen := r.displayIDs[id]; seen {
				update = true
			} else {
				r.displayIDs[id] = struct{}{}
			}
		}
		r.hooks.Display(clean, id, update)
		return goja.Undefined()
	})

	_ = vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("setTimeout callback must be a function"))
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		args := append([]goja.Value(nil), call.Arguments[min(2, len(call.Arguments)):]...)
		return vm.ToValue(r.timers.schedule(fn, args, delay, 0))
	})
	_ = vm.Set("setInterval", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("setInterval callback must be a function"))
		}
		every := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		if every < time.Millisecond {
			every = time.Millisecond
		}
		args := append([]goja.Value(nil), call.Arguments[min(2, len(call.Arguments)):]...)
		return vm.ToValue(r.timers.schedule(fn, args, every, every))
	})
	clear := func(call goja.FunctionCall) goja.Value {
		r.timers.clear(call.Argument(0).ToInteger())
		return goja.Undefined()
	}
	_ = vm.Set("clearTimeout", clear)
	_ = vm.Set("clearInterval", clear)

	_ = vm.Set("require", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		version, declared := r.packages[name]
		if !declared {
			panic(vm.NewGoError(fmt.Errorf("cannot find module %q: not declared in the notebook environment", name)))
		}
		mod, err := r.hooks.Resolver.Resolve(name, version)
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("cannot load module %q: %w", name, err)))
		}
		return vm.ToValue(mod)
	})

	_ = vm.Set("env", map[string]any{})
	_ = vm.Set("process", map[string]any{"env": map[string]any{}})
}

func (r *Runtime) formatArgs(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, formatConsoleValue(a))
	}
	return strings.Join(parts, " ")
}

func formatConsoleValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	switch t := v.Export().(type) {
	case string:
		return t
	case map[string]any, []any:
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}
	}
	return v.String()
}

// prepare wipes job-introduced globals, refreshes env bindings and seeds
// the globals map for the next evaluation.
func (r *Runtime) prepare(seed map[string]any, env model.NotebookEnv) error {
	r.vm.ClearInterrupt()
	r.timers.reset()

	glob := r.vm.GlobalObject()
	for _, k := range glob.Keys() {
		if _, base := r.baseline[k]; base {
			continue
		}
		_ = glob.Delete(k)
		if glob.Get(k) != nil {
			_ = glob.Set(k, goja.Undefined())
			r.tombstones[k] = struct{}{}
		} else {
			delete(r.tombstones, k)
		}
	}

	envMap := make(map[string]any, len(env.Vars))
	for k, v := range env.Vars {
		envMap[k] = v
	}
	if err := r.vm.Set("env", envMap); err != nil {
		return err
	}
	if err := r.vm.Set("process", map[string]any{"env": envMap}); err != nil {
		return err
	}
	r.packages = env.Packages

	for name, value := range seed {
		if err := r.vm.Set(name, value); err != nil {
			return fmt.Errorf("seed global %s: %w", name, err)
		}
		delete(r.tombstones, name)
	}
	return nil
}

// snapshot exports every job-introduced global. Non-serializable bindings
// are dropped and reported by name.
func (r *Runtime) snapshot() (map[string]any, []string) {
	glob := r.vm.GlobalObject()
	out := make(map[string]any)
	var dropped []string
	for _, k := range glob.Keys() {
		if _, base := r.baseline[k]; base {
			continue
		}
		v := glob.Get(k)
		if v == nil {
			continue
		}
		if _, dead := r.tombstones[k]; dead && goja.IsUndefined(v) {
			continue
		}
		clean, ok := sanitizeValue(v.Export(), sanitizeGlobals, r.handlers)
		if !ok {
			dropped = append(dropped, k)
			continue
		}
		out[k] = clean
	}
	sort.Strings(dropped)
	return out, dropped
}

// evalOutcome is what one job evaluation produced. Exactly one of Err or a
// normal completion applies; Cancelled overrides both.
type evalOutcome struct {
	Value     goja.Value
	Err       *model.ExecError
	Cancelled bool
	Globals   map[string]any
	Dropped   []string
}

// EvalCell runs cell code to completion, driving timers until an awaited
// top-level promise settles. The cancelled channel interrupts both running
// code and timer waits.
func (r *Runtime) EvalCell(code string, seed map[string]any, env model.NotebookEnv, cancelled <-chan struct{}) evalOutcome {
	if err := r.prepare(seed, env); err != nil {
		return evalOutcome{Err: &model.ExecError{Ename: "Error", Evalue: err.Error()}}
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-cancelled:
			r.vm.Interrupt(errEvalCancelled)
		case <-done:
		}
	}()

	value, err := r.vm.RunString(code)
	if err == nil && value != nil {
		if p, ok := value.Export().(*goja.Promise); ok {
			value, err = r.drive(p, cancelled)
		}
	}
	return r.finish(value, err)
}

// InvokeHandler calls a function previously captured from a display payload.
// The handler receives the event name followed by the payload arguments.
func (r *Runtime) InvokeHandler(ref, event string, args []any, seed map[string]any, env model.NotebookEnv, cancelled <-chan struct{}) evalOutcome {
	fn, ok := r.handlers.lookup(ref)
	if !ok {
		return evalOutcome{Err: &model.ExecError{Ename: "Error", Evalue: fmt.Sprintf("unknown handler %q", ref)}}
	}
	if err := r.prepare(seed, env); err != nil {
		return evalOutcome{Err: &model.ExecError{Ename: "Error", Evalue: err.Error()}}
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-cancelled:
			r.vm.Interrupt(errEvalCancelled)
		case <-done:
		}
	}()

	vals := make([]goja.Value, 0, len(args)+1)
	vals = append(vals, r.vm.ToValue(event))
	for _, a := range args {
		vals = append(vals, r.vm.ToValue(a))
	}
	value, err := r.callGuarded(fn, vals)
	if err == nil && value != nil {
		if p, ok := value.Export().(*goja.Promise); ok {
			value, err = r.drive(p, cancelled)
		}
	}
	return r.finish(value, err)
}

// callGuarded invokes an exported JS function, converting thrown exceptions
// and interrupts back into errors instead of panics.
func (r *Runtime) callGuarded(fn jsFunc, args []goja.Value) (value goja.Value, err error) {
	defer func() {
		if p := recover(); p != nil {
			if e, ok := p.(error); ok {
				var ex *goja.Exception
				var ie *goja.InterruptedError
				if errors.As(e, &ex) || errors.As(e, &ie) {
					err = e
					return
				}
			}
			panic(p)
		}
	}()
	value = fn(goja.FunctionCall{This: goja.Undefined(), Arguments: args})
	return value, nil
}

func (r *Runtime) finish(value goja.Value, err error) evalOutcome {
	if err != nil {
		execErr, cancelled := r.execErrorFrom(err)
		if cancelled {
			return evalOutcome{Cancelled: true}
		}
		globals, droppedNames := r.snapshot()
		return evalOutcome{Err: execErr, Globals: globals, Dropped: droppedNames}
	}
	globals, droppedNames := r.snapshot()
	return evalOutcome{Value: value, Globals: globals, Dropped: droppedNames}
}

type promiseRejection struct {
	value goja.Value
}

func (e *promiseRejection) Error() string { return "unhandled promise rejection" }

// drive pumps the timer queue until the promise settles. A pending promise
// with an empty queue can only be released by cancellation.
func (r *Runtime) drive(p *goja.Promise, cancelled <-chan struct{}) (goja.Value, error) {
	for p.State() == goja.PromiseStatePending {
		select {
		case <-cancelled:
			return nil, errEvalCancelled
		default:
		}
		t := r.timers.next()
		if t == nil {
			<-cancelled
			return nil, errEvalCancelled
		}
		if wait := time.Until(t.due); wait > 0 {
			tm := time.NewTimer(wait)
			select {
			case <-cancelled:
				tm.Stop()
				return nil, errEvalCancelled
			case <-tm.C:
			}
		}
		r.timers.fire(t)
		if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
			return nil, err
		}
	}
	if p.State() == goja.PromiseStateRejected {
		return nil, &promiseRejection{value: p.Result()}
	}
	return p.Result(), nil
}

func (r *Runtime) execErrorFrom(err error) (*model.ExecError, bool) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return nil, true
	}
	if errors.Is(err, errEvalCancelled) {
		return nil, true
	}
	var rejection *promiseRejection
	if errors.As(err, &rejection) {
		return execErrorFromValue(rejection.value), false
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return execErrorFromValue(ex.Value()), false
	}
	var syn *goja.CompilerSyntaxError
	if errors.As(err, &syn) {
		lines := splitTraceback(syn.Error())
		e := &model.ExecError{Ename: "SyntaxError", Traceback: lines}
		if len(lines) > 0 {
			e.Evalue = strings.TrimPrefix(lines[0], "SyntaxError: ")
		}
		return e, false
	}
	return &model.ExecError{Ename: "Error", Evalue: err.Error()}, false
}

func execErrorFromValue(v goja.Value) *model.ExecError {
	e := &model.ExecError{Ename: "Error"}
	if v == nil {
		e.Evalue = "unknown error"
		return e
	}
	if obj, ok := v.(*goja.Object); ok {
		if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
			e.Ename = n.String()
		}
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			e.Evalue = m.String()
		}
		if st := obj.Get("stack"); st != nil && !goja.IsUndefined(st) {
			e.Traceback = splitTraceback(st.String())
		}
		if e.Evalue == "" {
			e.Evalue = v.String()
		}
		return e
	}
	e.Evalue = v.String()
	return e
}

func splitTraceback(stack string) []string {
	var lines []string
	for _, line := range strings.Split(stack, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
