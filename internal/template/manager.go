// Package template loads the .txt prompt templates and fragments.json
// snippets described in spec.md §4.3, following the precedence pattern of
// the teacher's internal/skills.Loader: user-provided files win over
// built-in defaults on name collision.
package template

import (
	"embed"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

//go:embed defaults/*.txt defaults/fragments.json
var defaultsFS embed.FS

// Manager resolves named templates and fragments from an optional user
// directory overlaid on the built-in defaults.
type Manager struct {
	templates map[string]string
	fragments map[string]string
	log       zerolog.Logger
}

// Load reads the built-in defaults and then userDir (if non-empty), user
// names winning on collision. A sibling fragments.json in either
// location supplies interpolation snippets. Missing templates render as the
// empty string with a warning elsewhere (Template), not here.
func Load(userDir string, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		templates: map[string]string{},
		fragments: map[string]string{},
		log:       log,
	}

	// Defaults load first so user files can override them below.
	entries, err := defaultsFS.ReadDir("defaults")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		data, err := defaultsFS.ReadFile(filepath.Join("defaults", e.Name()))
		if err != nil {
			return nil, err
		}
		m.templates[strings.TrimSuffix(e.Name(), ".txt")] = string(data)
	}
	if data, err := defaultsFS.ReadFile("defaults/fragments.json"); err == nil {
		_ = json.Unmarshal(data, &m.fragments)
	}

	if userDir == "" {
		return m, nil
	}

	userEntries, err := os.ReadDir(userDir)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	for _, e := range userEntries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(userDir, e.Name()))
		if err != nil {
			return nil, err
		}
		m.templates[strings.TrimSuffix(e.Name(), ".txt")] = string(data)
	}
	fragPath := filepath.Join(userDir, "fragments.json")
	if data, err := os.ReadFile(fragPath); err == nil {
		var userFrags map[string]string
		if err := json.Unmarshal(data, &userFrags); err == nil {
			for k, v := range userFrags {
				m.fragments[k] = v
			}
		}
	}

	return m, nil
}

// Template returns the named template, or "" with a logged warning when it
// is missing — a non-fatal condition per spec.md §4.3.
func (m *Manager) Template(name string) string {
	if t, ok := m.templates[name]; ok {
		return t
	}
	m.log.Warn().Str("template", name).Msg("template not found, rendering empty string")
	return ""
}

// Fragment returns a named interpolation snippet, or "" if absent.
func (m *Manager) Fragment(name string) string {
	return m.fragments[name]
}

// Has reports whether a template name is registered.
func (m *Manager) Has(name string) bool {
	_, ok := m.templates[name]
	return ok
}
