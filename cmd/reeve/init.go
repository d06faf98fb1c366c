package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/reeve/internal/defaults"
)

// runInit initializes a Reeve working directory with default files.
// It creates the directory structure and copies the bundled starter
// config and persona documents. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Reeve workspace in %s\n", dir)

	// Create the base directory and the persona subdirectory.
	personaDir := filepath.Join(dir, "persona")
	if err := os.MkdirAll(personaDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", personaDir, err)
	}

	// The config holds secrets (API keys, mail passwords), so it gets
	// restrictive permissions. Persona documents are plain markdown.
	if err := writeIfMissing(w, filepath.Join(dir, "config.yaml"), defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	// Copy bundled persona documents.
	err := fs.WalkDir(defaults.PersonaFiles, "persona", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}

		content, err := defaults.PersonaFiles.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", path, err)
		}
		return writeIfMissing(w, filepath.Join(personaDir, d.Name()), content, 0o644)
	})
	if err != nil {
		return fmt.Errorf("install persona: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and the persona documents to customize your agent,")
	fmt.Fprintln(w, "then start it with: reeve serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, reporting either outcome on w. O_EXCL makes the
// existence check race-free; init never overwrites user customizations.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if errors.Is(err, fs.ErrExist) {
		fmt.Fprintf(w, "  - %s exists, skipping\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(content); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
