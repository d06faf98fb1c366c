// Package persona loads the agent's persona documents: markdown files
// with optional tag frontmatter that feed the bio and instruction
// variables of the generation prompts.
//
// The file named persona.md carries the bio. Every other .md file in
// the directory is an instruction document; tagged documents load only
// when one of their tags is active (gateways activate tags by message
// source), untagged documents always load.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BioDoc is the document name (filename without extension) that
// carries the bio rather than instructions.
const BioDoc = "persona"

// Doc is one parsed persona file.
type Doc struct {
	Name    string   // filename without .md extension
	Tags    []string // tags from frontmatter (nil = untagged)
	Content string   // markdown content, frontmatter stripped
}

// Persona is the composed prompt-facing view.
type Persona struct {
	Bio          string
	Instructions string
}

// Loader reads persona documents from one directory.
type Loader struct {
	dir string
}

// NewLoader creates a loader for the given directory.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Docs reads and parses every .md file in the directory, sorted by
// filename for deterministic ordering. A missing or unset directory
// yields no documents and no error.
func (l *Loader) Docs() ([]Doc, error) {
	if l.dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read persona dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var docs []Doc
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(l.dir, f))
		if err != nil {
			return nil, fmt.Errorf("read persona doc %s: %w", f, err)
		}
		tags, content := parseFrontmatter(string(data))
		docs = append(docs, Doc{
			Name:    strings.TrimSuffix(f, ".md"),
			Tags:    tags,
			Content: content,
		})
	}
	return docs, nil
}

// Load reads the directory and composes it against the active tag set.
func (l *Loader) Load(active map[string]bool) (Persona, error) {
	docs, err := l.Docs()
	if err != nil {
		return Persona{}, err
	}
	return Compose(docs, active), nil
}

// Compose splits documents into the bio (the BioDoc document, tag
// filtering does not apply to identity) and the joined instruction
// text of every included document.
func Compose(docs []Doc, active map[string]bool) Persona {
	var p Persona
	var parts []string
	for _, d := range docs {
		if d.Name == BioDoc {
			p.Bio = d.Content
			continue
		}
		if include(d, active) {
			parts = append(parts, d.Content)
		}
	}
	p.Instructions = strings.Join(parts, "\n\n---\n\n")
	return p
}

// include reports whether a document loads under the active tag set.
// Untagged documents always load; a nil set disables filtering.
func include(d Doc, active map[string]bool) bool {
	if len(d.Tags) == 0 {
		return true
	}
	if active == nil {
		return true
	}
	for _, tag := range d.Tags {
		if active[tag] {
			return true
		}
	}
	return false
}

// Default returns the built-in persona used when no persona directory
// is configured or it is empty.
func Default() Persona {
	return Persona{
		Bio: "Reeve is a steady, plain-spoken assistant. Reeve keeps track " +
			"of the conversation, runs actions when they genuinely help, and " +
			"never pads an answer.",
		Instructions: "Answer in the language the room is using. Keep " +
			"responses short unless detail was asked for. When an action " +
			"fails, say so plainly and suggest what to try next.",
	}
}

// parseFrontmatter extracts tags from a frontmatter block delimited by
// "---" lines at the very start of the document. Returns (tags, body)
// with the block stripped; documents without a complete block come
// back untouched.
//
// Recognized format:
//
//	---
//	tags: [mail, formal]
//	---
func parseFrontmatter(raw string) ([]string, string) {
	rest, found := strings.CutPrefix(raw, "---")
	if !found {
		return nil, raw
	}
	rest = strings.TrimLeft(rest, " \t")
	if after, ok := strings.CutPrefix(rest, "\r\n"); ok {
		rest = after
	} else if after, ok := strings.CutPrefix(rest, "\n"); ok {
		rest = after
	} else {
		return nil, raw
	}

	front, body, found := strings.Cut(rest, "\n---")
	if !found {
		return nil, raw
	}
	return parseTags(front), strings.TrimLeft(body, "\r\n")
}

// parseTags pulls the tag list from a "tags: [a, b]" line. Returns nil
// when the block has no usable tags line.
func parseTags(front string) []string {
	for _, line := range strings.Split(front, "\n") {
		line = strings.TrimSpace(line)
		value, found := strings.CutPrefix(line, "tags:")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.TrimPrefix(value, "[")
		value = strings.TrimSuffix(value, "]")

		var tags []string
		for _, part := range strings.Split(value, ",") {
			if tag := strings.TrimSpace(part); tag != "" {
				tags = append(tags, tag)
			}
		}
		return tags
	}
	return nil
}
