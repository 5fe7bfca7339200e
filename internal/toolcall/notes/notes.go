// Package notes provides built-in tools that let the model keep plain text
// notes in a local directory across sessions.
//
// Three tools are exported via [Store.Builtins]:
//   - "save_note" writes a note, creating folders as needed.
//   - "read_note" returns the text of a note.
//   - "list_notes" lists the stored notes.
//
// Every path is resolved inside the notes directory through an [os.Root],
// so names like "../x" or absolute paths are rejected.
package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/MrWong99/companion/internal/toolcall/mcpbridge"
	"github.com/MrWong99/companion/pkg/remote"
)

// maxNoteBytes caps the size of a single note, both ways.
const maxNoteBytes = 256 << 10

// Store is a notes directory. It is safe for concurrent use.
type Store struct {
	root *os.Root
}

// Open creates dir if needed and opens it as a notes store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("notes: create %s: %w", dir, err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("notes: open %s: %w", dir, err)
	}
	return &Store{root: root}, nil
}

// Close releases the directory handle.
func (s *Store) Close() error { return s.root.Close() }

// notePath validates a model-supplied name. Names without an extension get
// ".md".
func notePath(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name must not be empty")
	}
	if !fs.ValidPath(name) {
		return "", fmt.Errorf("name %q must be a relative path inside the notes folder", name)
	}
	if path.Ext(name) == "" {
		name += ".md"
	}
	return name, nil
}

// Save writes text to the named note.
func (s *Store) Save(name, text string) (string, error) {
	p, err := notePath(name)
	if err != nil {
		return "", err
	}
	if len(text) > maxNoteBytes {
		return "", fmt.Errorf("note is too large (%d bytes, max %d)", len(text), maxNoteBytes)
	}
	if dir := path.Dir(p); dir != "." {
		if err := s.root.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	if err := s.root.WriteFile(p, []byte(text), 0o644); err != nil {
		return "", err
	}
	return p, nil
}

// Read returns the text of the named note.
func (s *Store) Read(name string) (string, error) {
	p, err := notePath(name)
	if err != nil {
		return "", err
	}
	info, err := s.root.Stat(p)
	if err != nil {
		return "", err
	}
	if info.Size() > maxNoteBytes {
		return "", fmt.Errorf("note %q is too large (%d bytes, max %d)", p, info.Size(), maxNoteBytes)
	}
	data, err := s.root.ReadFile(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// List returns every note path, sorted.
func (s *Store) List() ([]string, error) {
	var out []string
	err := fs.WalkDir(s.root.FS(), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(out)
	return out, nil
}

// Builtins returns the note tools bound to s.
func (s *Store) Builtins() []mcpbridge.Builtin {
	nameParam := map[string]any{
		"type":        "string",
		"description": `Note name relative to the notes folder, e.g. "shopping" or "trips/paris.md".`,
	}
	return []mcpbridge.Builtin{
		{
			Declaration: remote.ToolDeclaration{
				Name:        "save_note",
				Description: "Save a text note for later. Overwrites a note with the same name.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name": nameParam,
						"text": map[string]any{"type": "string", "description": "Full note text."},
					},
					"required": []string{"name", "text"},
				},
			},
			Fn: func(ctx context.Context, args map[string]any) (string, error) {
				if err := ctx.Err(); err != nil {
					return "", err
				}
				p, err := s.Save(stringArg(args, "name"), stringArg(args, "text"))
				if err != nil {
					return "", err
				}
				return encode(map[string]any{"saved": p})
			},
		},
		{
			Declaration: remote.ToolDeclaration{
				Name:        "read_note",
				Description: "Read a previously saved note.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"name": nameParam},
					"required":   []string{"name"},
				},
			},
			Fn: func(ctx context.Context, args map[string]any) (string, error) {
				if err := ctx.Err(); err != nil {
					return "", err
				}
				text, err := s.Read(stringArg(args, "name"))
				if err != nil {
					return "", err
				}
				return text, nil
			},
		},
		{
			Declaration: remote.ToolDeclaration{
				Name:        "list_notes",
				Description: "List the names of all saved notes.",
			},
			Fn: func(ctx context.Context, _ map[string]any) (string, error) {
				if err := ctx.Err(); err != nil {
					return "", err
				}
				names, err := s.List()
				if err != nil {
					return "", err
				}
				return encode(map[string]any{"notes": names})
			},
		},
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
