package transpile

import (
	"errors"
	"strings"
	"testing"

	"github.com/nodebooks/kernel/internal/domain/model"
)

func mustJS(t *testing.T, src string) string {
	t.Helper()
	res, err := NewNotebook().Transpile(src, model.LangJS)
	if err != nil {
		t.Fatalf("transpile %q: %v (diagnostics %+v)", src, err, res.Diagnostics)
	}
	return res.Code
}

func TestTopLevelConstLetBecomeVar(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want string
	}{
		{"const", `const x = 1;`, `var x = 1;`},
		{"let", `let y = 2;`, `var y = 2;`},
		{"var untouched", `var z = 3;`, `var z = 3;`},
		{"multi declarator", `const a = 1, b = 2;`, `var a = 1, b = 2;`},
		{"destructuring", `const [a, b] = pair;`, `var [a, b] = pair;`},
		{
			"nested scope untouched",
			`function f() { const a = 1; return a; } const b = f();`,
			`function f() { const a = 1; return a; } var b = f();`,
		},
		{
			"for loop header untouched",
			`for (let i = 0; i < 3; i++) { total += i; }`,
			`for (let i = 0; i < 3; i++) { total += i; }`,
		},
		{
			"second statement",
			`var a = 1; const b = a + 1;`,
			`var a = 1; var b = a + 1;`,
		},
	}
	for _, tc := range cases {
		if got := mustJS(t, tc.src); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestStringsCommentsTemplatesUntouched(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want string
	}{
		{
			"string literal",
			`var s = "const x = 1;"; s;`,
			`var s = "const x = 1;"; s;`,
		},
		{
			"comments",
			"// const a = 1;\n/* let b = 2; */\nlet c = 3;",
			"// const a = 1;\n/* let b = 2; */\nvar c = 3;",
		},
		{
			"template literal body",
			"let a = `const in text`; let b = 2;",
			"var a = `const in text`; var b = 2;",
		},
		{
			"template substitution",
			"let a = `x${1 + 2}y`; let b = 2;",
			"var a = `x${1 + 2}y`; var b = 2;",
		},
		{
			"regex literal",
			`let re = /const [/]x/g; let c = 3;`,
			`var re = /const [/]x/g; var c = 3;`,
		},
		{
			"property named let",
			`obj.let = 1; obj.const = 2;`,
			`obj.let = 1; obj.const = 2;`,
		},
		{
			"identifier prefix",
			`letx = 1; constY = 2;`,
			`letx = 1; constY = 2;`,
		},
	}
	for _, tc := range cases {
		if got := mustJS(t, tc.src); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestTopLevelAwaitWrapped(t *testing.T) {
	code := mustJS(t, `await Promise.resolve(7);`)
	if !strings.Contains(code, "async () => {") {
		t.Fatalf("no async wrapper in %q", code)
	}
	if !strings.Contains(code, "return await Promise.resolve(7);") {
		t.Fatalf("await statement not returned in %q", code)
	}
}

func TestAwaitDeclarationBecomesAssignment(t *testing.T) {
	code := mustJS(t, `const data = await load();
data.length`)
	if strings.Contains(code, "const") {
		t.Fatalf("declaration keyword survived the wrap: %q", code)
	}
	if !strings.Contains(code, "data = await load();") {
		t.Fatalf("assignment missing in %q", code)
	}
	if !strings.Contains(code, "return data.length") {
		t.Fatalf("trailing expression not returned in %q", code)
	}
}

func TestAwaitInsideFunctionNotWrapped(t *testing.T) {
	src := `var f = async () => { await tick(); return 1; }; f;`
	if got := mustJS(t, src); got != src {
		t.Fatalf("nested await rewrote the cell: %q", got)
	}
}

func TestSyntaxErrorReportsDiagnostics(t *testing.T) {
	res, err := NewNotebook().Transpile(`const = ;`, model.LangJS)
	if !errors.Is(err, ErrDiagnostics) {
		t.Fatalf("err = %v, want ErrDiagnostics", err)
	}
	if res.Code != "" {
		t.Fatalf("code = %q on error", res.Code)
	}
	if len(res.Diagnostics) == 0 {
		t.Fatal("no diagnostics")
	}
	d := res.Diagnostics[0]
	if d.Severity != SeverityError || d.Line < 1 || d.Message == "" {
		t.Fatalf("diagnostic = %+v", d)
	}
}

func TestTypeScriptNeedsExternalTranspiler(t *testing.T) {
	res, err := NewNotebook().Transpile(`const x: number = 1;`, model.LangTS)
	if !errors.Is(err, ErrDiagnostics) {
		t.Fatalf("err = %v, want ErrDiagnostics", err)
	}
	if len(res.Diagnostics) != 1 || res.Diagnostics[0].Severity != SeverityError {
		t.Fatalf("diagnostics = %+v", res.Diagnostics)
	}
}

func TestUnsupportedLanguageRejected(t *testing.T) {
	_, err := NewNotebook().Transpile(`print(1)`, model.Language("py"))
	if !errors.Is(err, ErrDiagnostics) {
		t.Fatalf("err = %v, want ErrDiagnostics", err)
	}
}

type countingTranspiler struct {
	next  Transpiler
	calls int
}

func (c *countingTranspiler) Transpile(source string, lang model.Language) (Result, error) {
	c.calls++
	return c.next.Transpile(source, lang)
}

func TestCacheMemoizesBySourceAndLanguage(t *testing.T) {
	counting := &countingTranspiler{next: NewNotebook()}
	cached, err := NewCached(counting, 16)
	if err != nil {
		t.Fatalf("new cached: %v", err)
	}

	first, err := cached.Transpile(`const x = 1;`, model.LangJS)
	if err != nil {
		t.Fatalf("transpile: %v", err)
	}
	second, err := cached.Transpile(`const x = 1;`, model.LangJS)
	if err != nil {
		t.Fatalf("transpile: %v", err)
	}
	if counting.calls != 1 {
		t.Fatalf("calls = %d, want 1", counting.calls)
	}
	if first.Code != second.Code || second.Code != `var x = 1;` {
		t.Fatalf("codes = %q / %q", first.Code, second.Code)
	}

	if _, err := cached.Transpile(`const y = 2;`, model.LangJS); err != nil {
		t.Fatalf("transpile: %v", err)
	}
	if counting.calls != 2 {
		t.Fatalf("calls = %d, want 2", counting.calls)
	}
}

func TestCacheReplaysDiagnosticsFailure(t *testing.T) {
	counting := &countingTranspiler{next: NewNotebook()}
	cached, err := NewCached(counting, 16)
	if err != nil {
		t.Fatalf("new cached: %v", err)
	}

	for i := 0; i < 2; i++ {
		res, terr := cached.Transpile(`const broken = ;`, model.LangJS)
		if !errors.Is(terr, ErrDiagnostics) {
			t.Fatalf("err = %v", terr)
		}
		if len(res.Diagnostics) == 0 {
			t.Fatal("no diagnostics")
		}
	}
	if counting.calls != 1 {
		t.Fatalf("calls = %d, want 1", counting.calls)
	}
}
