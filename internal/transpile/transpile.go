/*
Package transpile prepares cell source for the worker runtime.

The built-in Notebook transpiler implements the notebook JavaScript
dialect: top-level const/let become var so bindings reach the global
object and cells can be re-run, and cells that await at the top level
are wrapped in an async IIFE the runtime can drive to completion.
TypeScript needs an external transpiler injected in its place.
*/
package transpile

import (
	"errors"
	"fmt"

	"github.com/dop251/goja/parser"

	"github.com/nodebooks/kernel/internal/domain/model"
)

// Interface guard
var _ Transpiler = (*Notebook)(nil)

// ErrDiagnostics is returned when the source carries error-severity
// diagnostics; the job must fail before it ever reaches the pool.
var ErrDiagnostics = errors.New("transpile: source has errors")

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is one message about the source, positioned 1-based.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Line     int      `json:"line"`
	Col      int      `json:"col"`
}

// Result is the executable code plus anything worth telling the author.
type Result struct {
	Code        string       `json:"code"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// Transpiler converts cell source into executable module source. It is
// called once per execute request, before the job is enqueued.
type Transpiler interface {
	Transpile(source string, lang model.Language) (Result, error)
}

const cellFilename = "cell.js"

// Notebook is the built-in dialect rewriter. It is stateless and safe
// for concurrent use.
type Notebook struct{}

func NewNotebook() *Notebook { return &Notebook{} }

func (n *Notebook) Transpile(source string, lang model.Language) (Result, error) {
	switch lang {
	case model.LangJS:
		return n.rewrite(source)
	case model.LangTS:
		return Result{Diagnostics: []Diagnostic{{
			Severity: SeverityError,
			Message:  "typescript cells require an external transpiler",
			Line:     1,
			Col:      1,
		}}}, ErrDiagnostics
	default:
		return Result{Diagnostics: []Diagnostic{{
			Severity: SeverityError,
			Message:  fmt.Sprintf("unsupported language %q", lang),
			Line:     1,
			Col:      1,
		}}}, ErrDiagnostics
	}
}

// rewrite uses the parser as the oracle: source that parses as a plain
// script only needs the declaration rewrite; source that fails to parse
// may be using top-level await and gets one shot at the async wrap.
func (n *Notebook) rewrite(source string) (Result, error) {
	_, err := parser.ParseFile(nil, cellFilename, source, 0)
	if err == nil {
		code := rewriteTopLevelDecls(source)
		if code != source {
			if _, rerr := parser.ParseFile(nil, cellFilename, code, 0); rerr != nil {
				// The scanner misread something exotic; running the
				// original beats running broken output.
				code = source
			}
		}
		return Result{Code: code}, nil
	}

	wrapped := wrapAsync(source)
	if _, werr := parser.ParseFile(nil, cellFilename, wrapped, 0); werr == nil {
		return Result{Code: wrapped}, nil
	}
	// Report the original failure; the wrap's positions are shifted.
	return Result{Diagnostics: diagnosticsFrom(err)}, ErrDiagnostics
}

func diagnosticsFrom(err error) []Diagnostic {
	var list parser.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		out := make([]Diagnostic, 0, len(list))
		for _, e := range list {
			out = append(out, Diagnostic{
				Severity: SeverityError,
				Message:  e.Message,
				Line:     e.Position.Line,
				Col:      e.Position.Column,
			})
		}
		return out
	}
	return []Diagnostic{{Severity: SeverityError, Message: err.Error(), Line: 1, Col: 1}}
}
