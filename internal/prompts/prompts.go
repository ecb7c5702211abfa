// Package prompts loads and renders the prompt templates used for
// intent classification and direct LLM responses. Templates are plain
// text/template files; the set can be reloaded at runtime without
// restarting the service.
package prompts

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"text/template"

	"go.uber.org/zap"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/logger"
)

// Template names shipped with the service.
const (
	IntentRecognition = "intent_recognition"
	SystemPrompt      = "system_prompt"
	GeneralResponse   = "general_response"
)

type set struct {
	root  *template.Template
	names []string
}

// Registry holds the current template set. Render works against an
// immutable snapshot, so reloads never race with in-flight renders.
type Registry struct {
	dir     string
	logger  *logger.Logger
	current atomic.Pointer[set]
}

// NewRegistry parses every *.tmpl file in dir. An empty or missing
// directory is a startup error.
func NewRegistry(dir string, log *logger.Logger) (*Registry, error) {
	r := &Registry{dir: dir, logger: log}

	s, err := load(dir)
	if err != nil {
		return nil, err
	}
	r.current.Store(s)

	log.Info("prompt templates loaded",
		zap.String("dir", dir),
		zap.Strings("templates", s.names))
	return r, nil
}

// Render executes the named template against vars. Templates are strict:
// referencing a variable that is not supplied is an error rather than
// silently rendering "<no value>".
func (r *Registry) Render(name string, vars map[string]any) (string, error) {
	t := r.current.Load().root.Lookup(name)
	if t == nil {
		return "", fmt.Errorf("prompts: unknown template %q", name)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("prompts: render %s: %w", name, err)
	}
	return buf.String(), nil
}

// Reload re-reads the template directory and swaps in the new set. On
// any parse failure the registry keeps serving the previous set.
func (r *Registry) Reload() error {
	s, err := load(r.dir)
	if err != nil {
		r.logger.WithError(err).Error("prompt reload failed, keeping previous set",
			zap.String("dir", r.dir))
		return err
	}

	r.current.Store(s)
	r.logger.Info("prompt templates reloaded",
		zap.String("dir", r.dir),
		zap.Strings("templates", s.names))
	return nil
}

// Names returns the loaded template names, sorted.
func (r *Registry) Names() []string {
	return r.current.Load().names
}

func load(dir string) (*set, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.tmpl"))
	if err != nil {
		return nil, fmt.Errorf("prompts: scan %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("prompts: no templates found in %s", dir)
	}

	root := template.New("prompts").Option("missingkey=error")
	names := make([]string, 0, len(files))
	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("prompts: read %s: %w", file, err)
		}

		name := strings.TrimSuffix(filepath.Base(file), ".tmpl")
		if _, err := root.New(name).Parse(string(raw)); err != nil {
			return nil, fmt.Errorf("prompts: parse %s: %w", file, err)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return &set{root: root, names: names}, nil
}
