// Package template renders prompt templates and parses the tagged
// replies that come back. Rendering substitutes {{variable}}
// placeholders; parsing scans for elements like
// <action name="X">{json}</action> with a deliberately permissive
// scanner, because model output cannot be schema-validated up front and
// an over-strict parse drops a whole turn.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Vars holds the values available to a template. String values
// substitute as-is, string slices join with newlines, and anything
// else is serialized to JSON.
type Vars map[string]any

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// Render substitutes every {{key}} in tmpl with the stringified value
// from vars. Missing keys render as an empty string; rendering never
// fails.
func Render(tmpl string, vars Vars) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := vars[key]
		if !ok {
			return ""
		}
		return stringify(v)
	})
}

// Formatter transforms raw variables into renderable ones before
// substitution, e.g. turning action definitions into name/description
// listings.
type Formatter func(Vars) Vars

// RenderWith applies format to vars and renders the result. A nil
// formatter is the same as Render.
func RenderWith(tmpl string, vars Vars, format Formatter) string {
	if format != nil {
		vars = format(vars)
	}
	return Render(tmpl, vars)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return strings.Join(t, "\n")
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = stringify(e)
		}
		return strings.Join(parts, "\n")
	case json.RawMessage:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// Node is one parsed tag element: <name attr="v">body</name>.
type Node struct {
	Name  string
	Attrs map[string]string
	// Body is the raw inner text, untrimmed. Visitors that expect
	// nested elements parse it with Children.
	Body string
}

// Attr returns the named attribute or "".
func (n Node) Attr(key string) string {
	return n.Attrs[key]
}

// Visitor handles one element. Returning an error skips that element
// only; scanning always continues.
type Visitor func(n Node) error

// Visit scans text for top-level tag elements and dispatches each to
// the visitor registered for its name. Elements with no registered
// visitor, and free text outside any tag, are ignored. Visitor errors
// are collected and returned in document order so the caller can log
// them; they never abort the scan.
func Visit(text string, visitors map[string]Visitor) []error {
	var errs []error
	for _, n := range Scan(text) {
		visit, ok := visitors[n.Name]
		if !ok {
			continue
		}
		if err := visit(n); err != nil {
			errs = append(errs, fmt.Errorf("<%s>: %w", n.Name, err))
		}
	}
	return errs
}

// Scan extracts all top-level tag elements from text. The scanner
// tolerates free text between elements, self-closing tags, unquoted
// attribute values, and unclosed tags (the body runs to end of text).
// Nested same-named tags are kept inside one element's body.
func Scan(text string) []Node {
	var nodes []Node
	i := 0
	for i < len(text) {
		lt := strings.IndexByte(text[i:], '<')
		if lt < 0 {
			break
		}
		lt += i

		name, attrEnd := scanTagName(text, lt+1)
		if name == "" {
			// Not a tag start ("<" in prose, "</...>" without an
			// opener, etc.); skip the bracket and keep scanning.
			i = lt + 1
			continue
		}

		gt := strings.IndexByte(text[attrEnd:], '>')
		if gt < 0 {
			// Truncated output mid-tag; nothing more to find.
			break
		}
		gt += attrEnd

		rawAttrs := text[attrEnd:gt]
		selfClosing := strings.HasSuffix(strings.TrimSpace(rawAttrs), "/")
		if selfClosing {
			rawAttrs = strings.TrimSuffix(strings.TrimSpace(rawAttrs), "/")
		}
		node := Node{Name: name, Attrs: parseAttrs(rawAttrs)}

		if selfClosing {
			nodes = append(nodes, node)
			i = gt + 1
			continue
		}

		body, next := scanBody(text, gt+1, name)
		node.Body = body
		nodes = append(nodes, node)
		i = next
	}
	return nodes
}

// Children parses an element's body into its own nodes, for visitors
// that need to recurse.
func Children(body string) []Node {
	return Scan(body)
}

// scanTagName reads a tag name starting at pos (just past '<').
// Returns "" when pos does not start a well-formed opening tag name.
func scanTagName(text string, pos int) (name string, end int) {
	i := pos
	for i < len(text) && isNameByte(text[i], i == pos) {
		i++
	}
	if i == pos {
		return "", pos
	}
	// The name must be followed by whitespace, '>', or '/'.
	if i < len(text) {
		switch text[i] {
		case ' ', '\t', '\n', '\r', '>', '/':
		default:
			return "", pos
		}
	}
	return text[pos:i], i
}

func isNameByte(b byte, first bool) bool {
	if b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b == '_' {
		return true
	}
	if !first && (b >= '0' && b <= '9' || b == '-') {
		return true
	}
	return false
}

// scanBody finds the close tag matching an element opened just before
// start. Same-named openers inside the body are depth-counted so both
// nested and sibling same-named elements resolve correctly; when the
// tags are unbalanced the last close tag in the text wins, and with no
// close tag at all the body runs to end of text.
func scanBody(text string, start int, name string) (body string, next int) {
	openTok := "<" + name
	closeTok := "</" + name + ">"

	depth := 1
	i := start
	for i < len(text) {
		lt := strings.IndexByte(text[i:], '<')
		if lt < 0 {
			break
		}
		lt += i
		if strings.HasPrefix(text[lt:], closeTok) {
			depth--
			if depth == 0 {
				return text[start:lt], lt + len(closeTok)
			}
			i = lt + len(closeTok)
			continue
		}
		if hasTagPrefix(text[lt:], openTok) {
			depth++
			i = lt + len(openTok)
			continue
		}
		i = lt + 1
	}

	// Unbalanced: fall back to the last close tag, then to end of text.
	if last := strings.LastIndex(text[start:], closeTok); last >= 0 {
		return text[start : start+last], start + last + len(closeTok)
	}
	return text[start:], len(text)
}

// hasTagPrefix reports whether s begins with an opening tag for tok
// ("<name") and not a longer name sharing the prefix.
func hasTagPrefix(s, tok string) bool {
	if !strings.HasPrefix(s, tok) {
		return false
	}
	if len(s) == len(tok) {
		return true
	}
	switch s[len(tok)] {
	case ' ', '\t', '\n', '\r', '>', '/':
		return true
	}
	return false
}

// parseAttrs reads key="value", key='value', key=value, and bare key
// attributes from the text between a tag name and its '>'.
func parseAttrs(raw string) map[string]string {
	attrs := make(map[string]string)
	i := 0
	for i < len(raw) {
		for i < len(raw) && isSpace(raw[i]) {
			i++
		}
		if i >= len(raw) {
			break
		}

		keyStart := i
		for i < len(raw) && raw[i] != '=' && !isSpace(raw[i]) {
			i++
		}
		key := raw[keyStart:i]
		if key == "" {
			i++
			continue
		}

		if i >= len(raw) || raw[i] != '=' {
			attrs[key] = ""
			continue
		}
		i++ // past '='

		if i < len(raw) && (raw[i] == '"' || raw[i] == '\'') {
			quote := raw[i]
			i++
			valStart := i
			for i < len(raw) && raw[i] != quote {
				i++
			}
			attrs[key] = raw[valStart:i]
			if i < len(raw) {
				i++ // past closing quote
			}
			continue
		}

		valStart := i
		for i < len(raw) && !isSpace(raw[i]) {
			i++
		}
		attrs[key] = raw[valStart:i]
	}
	return attrs
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
