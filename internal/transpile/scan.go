package transpile

import "strings"

// edit replaces src[start:end] with text; positions index the original.
type edit struct {
	start, end int
	text       string
}

func applyEdits(src string, edits []edit) string {
	if len(edits) == 0 {
		return src
	}
	var b strings.Builder
	b.Grow(len(src) + 16*len(edits))
	last := 0
	for _, e := range edits {
		b.WriteString(src[last:e.start])
		b.WriteString(e.text)
		last = e.end
	}
	b.WriteString(src[last:])
	return b.String()
}

// declSite is one top-level declaration keyword found by the walker.
type declSite struct {
	kwStart, kwEnd int
	keyword        string
}

// walker tokenizes just enough JavaScript to find top-level statement
// and declaration boundaries without being fooled by strings, comments,
// template literals, or regex literals. It never needs to be a parser:
// rewritten output is re-checked by the real parser before use.
type walker struct {
	src string
	i   int

	depth      int
	tmplResume []int
	inTmpl     bool

	atStmtStart bool
	// prevValue tracks whether the last token can end an expression,
	// which decides if a following slash divides or opens a regex.
	prevValue bool
	prevDot   bool

	stmtStarts []int
	decls      []declSite
}

func newWalker(src string) *walker {
	return &walker{src: src, atStmtStart: true}
}

func (w *walker) walk() {
	for w.i < len(w.src) {
		if w.inTmpl {
			w.scanTemplate()
			continue
		}
		c := w.src[w.i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			w.i++
		case c == '/' && w.peek(1) == '/':
			w.skipLineComment()
		case c == '/' && w.peek(1) == '*':
			w.skipBlockComment()
		case c == '\'' || c == '"':
			w.sig(w.i, true)
			w.prevDot = false
			w.skipString(c)
		case c == '`':
			w.sig(w.i, true)
			w.prevDot = false
			w.inTmpl = true
			w.i++
		case c == '/':
			if w.prevValue {
				w.sig(w.i, false)
				w.prevDot = false
				w.i++
			} else {
				w.sig(w.i, true)
				w.prevDot = false
				w.skipRegex()
			}
		case c == '(' || c == '[' || c == '{':
			w.sig(w.i, false)
			w.prevDot = false
			w.depth++
			w.i++
		case c == ')' || c == ']':
			if w.depth > 0 {
				w.depth--
			}
			w.sig(w.i, true)
			w.prevDot = false
			w.i++
		case c == '}':
			if w.depth > 0 {
				w.depth--
			}
			if n := len(w.tmplResume); n > 0 && w.tmplResume[n-1] == w.depth {
				w.tmplResume = w.tmplResume[:n-1]
				w.inTmpl = true
				w.i++
				continue
			}
			w.prevValue = true
			w.prevDot = false
			w.i++
			if w.depth == 0 {
				w.atStmtStart = true
			}
		case c == ';':
			w.prevValue = false
			w.prevDot = false
			w.i++
			if w.depth == 0 {
				w.atStmtStart = true
			}
		case isIdentStart(c):
			start := w.i
			word := w.readWord()
			if w.prevDot {
				// property access, never a keyword
				w.sig(start, true)
			} else {
				w.handleWord(start, word)
			}
			w.prevDot = false
		case c >= '0' && c <= '9':
			start := w.i
			w.readNumber()
			w.sig(start, true)
			w.prevDot = false
		case c == '.':
			w.sig(w.i, false)
			w.prevDot = true
			w.i++
		default:
			w.sig(w.i, false)
			w.prevDot = false
			w.i++
		}
	}
}

// sig records a significant token: a token at the top level while at a
// statement boundary starts a new top-level statement.
func (w *walker) sig(start int, endsValue bool) {
	if w.depth == 0 && w.atStmtStart {
		w.stmtStarts = append(w.stmtStarts, start)
		w.atStmtStart = false
	}
	w.prevValue = endsValue
}

func (w *walker) handleWord(start int, word string) {
	if w.depth == 0 && w.atStmtStart {
		switch word {
		case "const", "var":
			w.markDecl(start, word)
			return
		case "let":
			// let is contextual; only a following binding target makes
			// it a declaration.
			if w.declAhead() {
				w.markDecl(start, word)
				return
			}
		}
	}
	w.sig(start, !operandKeywords[word])
}

func (w *walker) markDecl(start int, word string) {
	w.stmtStarts = append(w.stmtStarts, start)
	w.atStmtStart = false
	w.decls = append(w.decls, declSite{kwStart: start, kwEnd: w.i, keyword: word})
	w.prevValue = false
}

func (w *walker) declAhead() bool {
	j := skipWsComments(w.src, w.i)
	if j >= len(w.src) {
		return false
	}
	c := w.src[j]
	return isIdentStart(c) || c == '[' || c == '{'
}

func (w *walker) scanTemplate() {
	for w.i < len(w.src) {
		switch c := w.src[w.i]; {
		case c == '\\':
			w.i += 2
		case c == '`':
			w.i++
			w.inTmpl = false
			w.prevValue = true
			return
		case c == '$' && w.peek(1) == '{':
			w.tmplResume = append(w.tmplResume, w.depth)
			w.depth++
			w.i += 2
			w.inTmpl = false
			w.prevValue = false
			return
		default:
			w.i++
		}
	}
	w.inTmpl = false
}

func (w *walker) skipString(quote byte) {
	w.i++
	for w.i < len(w.src) {
		switch w.src[w.i] {
		case '\\':
			w.i += 2
		case quote:
			w.i++
			return
		case '\n':
			// unterminated; the parser will complain
			w.i++
			return
		default:
			w.i++
		}
	}
}

func (w *walker) skipRegex() {
	w.i++
	inClass := false
	for w.i < len(w.src) {
		switch c := w.src[w.i]; {
		case c == '\\':
			w.i += 2
		case c == '[':
			inClass = true
			w.i++
		case c == ']':
			inClass = false
			w.i++
		case c == '/' && !inClass:
			w.i++
			for w.i < len(w.src) && isIdentPart(w.src[w.i]) {
				w.i++
			}
			return
		case c == '\n':
			w.i++
			return
		default:
			w.i++
		}
	}
}

func (w *walker) skipLineComment() {
	for w.i < len(w.src) && w.src[w.i] != '\n' {
		w.i++
	}
}

func (w *walker) skipBlockComment() {
	w.i += 2
	for w.i < len(w.src) {
		if w.src[w.i] == '*' && w.peek(1) == '/' {
			w.i += 2
			return
		}
		w.i++
	}
}

func (w *walker) readWord() string {
	start := w.i
	for w.i < len(w.src) && isIdentPart(w.src[w.i]) {
		w.i++
	}
	return w.src[start:w.i]
}

func (w *walker) readNumber() {
	for w.i < len(w.src) && (isIdentPart(w.src[w.i]) || w.src[w.i] == '.') {
		w.i++
	}
}

func (w *walker) peek(n int) byte {
	if w.i+n >= len(w.src) {
		return 0
	}
	return w.src[w.i+n]
}

// operandKeywords are words after which a slash opens a regex literal.
var operandKeywords = map[string]bool{
	"return": true, "typeof": true, "instanceof": true, "in": true,
	"of": true, "new": true, "delete": true, "void": true, "throw": true,
	"case": true, "do": true, "else": true, "yield": true, "await": true,
}

// stmtKeywords open statements that cannot be turned into a return value.
var stmtKeywords = map[string]bool{
	"var": true, "let": true, "const": true, "function": true,
	"class": true, "if": true, "for": true, "while": true, "do": true,
	"switch": true, "try": true, "return": true, "throw": true,
	"break": true, "continue": true, "debugger": true, "import": true,
	"export": true, "async": true,
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func skipWsComments(src string, i int) int {
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			i++
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			i += 2
			for i < len(src) {
				if src[i] == '*' && i+1 < len(src) && src[i+1] == '/' {
					i += 2
					break
				}
				i++
			}
		default:
			return i
		}
	}
	return i
}

// rewriteTopLevelDecls turns top-level const/let declarations into var
// so bindings land on the global object, survive re-running the cell,
// and show up in the globals snapshot.
func rewriteTopLevelDecls(src string) string {
	w := newWalker(src)
	w.walk()
	var edits []edit
	for _, d := range w.decls {
		if d.keyword == "var" {
			continue
		}
		edits = append(edits, edit{start: d.kwStart, end: d.kwEnd, text: "var"})
	}
	return applyEdits(src, edits)
}

// wrapAsync rewrites a cell that awaits at the top level into an async
// IIFE. Declarations of the shape `ident = expr` lose their keyword so
// the assignment still reaches the global object; a trailing expression
// statement becomes the return value so the cell keeps its result.
func wrapAsync(src string) string {
	w := newWalker(src)
	w.walk()
	var edits []edit
	for _, d := range w.decls {
		if identAssignAhead(src, d.kwEnd) {
			edits = append(edits, edit{start: d.kwStart, end: d.kwEnd})
		}
	}
	if n := len(w.stmtStarts); n > 0 {
		last := w.stmtStarts[n-1]
		if startsExpression(src, last) {
			edits = append(edits, edit{start: last, end: last, text: "return "})
		}
	}
	return "(async () => {\n" + applyEdits(src, edits) + "\n})();"
}

// identAssignAhead reports whether the declarator list opens with a
// plain initialized identifier, the one shape that survives keyword
// stripping as a global assignment.
func identAssignAhead(src string, from int) bool {
	i := skipWsComments(src, from)
	if i >= len(src) || !isIdentStart(src[i]) {
		return false
	}
	for i < len(src) && isIdentPart(src[i]) {
		i++
	}
	i = skipWsComments(src, i)
	if i >= len(src) || src[i] != '=' {
		return false
	}
	if i+1 < len(src) && (src[i+1] == '=' || src[i+1] == '>') {
		return false
	}
	return true
}

func startsExpression(src string, at int) bool {
	if at >= len(src) {
		return false
	}
	c := src[at]
	if c == '{' {
		return false
	}
	if !isIdentStart(c) {
		return true
	}
	i := at
	for i < len(src) && isIdentPart(src[i]) {
		i++
	}
	return !stmtKeywords[src[at:i]]
}
