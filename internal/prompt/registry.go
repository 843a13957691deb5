// Package prompt loads named prompt templates from configs/prompts/*.yaml
// and renders them against a variable mapping. Templates are immutable
// after Load, same as schemacatalog.Catalog.
package prompt

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/querymind/nlsql/internal/model"
)

// Template is one named prompt definition.
type Template struct {
	Name           string
	ModelTier      model.ModelTier
	Temperature    float64
	SystemPrompt   string
	UserPrompt     string
	ResponseSchema string
}

type templateFile struct {
	Name           string  `yaml:"name"`
	ModelTier      string  `yaml:"model_tier"`
	Temperature    float64 `yaml:"temperature"`
	SystemPrompt   string  `yaml:"system_prompt"`
	UserPrompt     string  `yaml:"user_prompt"`
	ResponseSchema string  `yaml:"response_schema"`
}

// ErrUnknownTemplate is returned by Get when name was never loaded.
type ErrUnknownTemplate struct {
	Name string
}

func (e *ErrUnknownTemplate) Error() string {
	return fmt.Sprintf("prompt: unknown template %q", e.Name)
}

// Registry is the immutable set of loaded templates.
type Registry struct {
	byName map[string]Template
}

// Load reads every *.yaml file directly under dir as one Template each.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("prompt: read dir: %w", err)
	}

	r := &Registry{byName: make(map[string]Template, len(entries))}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		tmpl, err := loadTemplateFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("prompt: load %s: %w", e.Name(), err)
		}
		if _, dup := r.byName[tmpl.Name]; dup {
			return nil, fmt.Errorf("prompt: duplicate template name %q", tmpl.Name)
		}
		r.byName[tmpl.Name] = *tmpl
	}
	return r, nil
}

func loadTemplateFile(path string) (*Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeTemplate(f)
}

func decodeTemplate(r io.Reader) (*Template, error) {
	var tf templateFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		return nil, fmt.Errorf("structural decode: %w", err)
	}

	tier, err := parseModelTier(tf.ModelTier)
	if err != nil {
		return nil, err
	}

	return &Template{
		Name:           tf.Name,
		ModelTier:      tier,
		Temperature:    tf.Temperature,
		SystemPrompt:   tf.SystemPrompt,
		UserPrompt:     tf.UserPrompt,
		ResponseSchema: tf.ResponseSchema,
	}, nil
}

func parseModelTier(s string) (model.ModelTier, error) {
	switch model.ModelTier(s) {
	case model.ModelTierWeak, model.ModelTierPlanning, model.ModelTierDeveloper:
		return model.ModelTier(s), nil
	default:
		return "", fmt.Errorf("prompt: unknown model_tier %q", s)
	}
}

// Get returns the named template.
func (r *Registry) Get(name string) (Template, error) {
	t, ok := r.byName[name]
	if !ok {
		return Template{}, &ErrUnknownTemplate{Name: name}
	}
	return t, nil
}

// Names returns every loaded template name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Render substitutes ${var}-style placeholders in s using vars. Unknown
// placeholders are left untouched so a typo fails loudly downstream
// (an LLM call referencing a literal "${...}") rather than silently.
func Render(s string, vars map[string]string) string {
	var b strings.Builder
	b.Grow(len(s))
	for {
		start := strings.Index(s, "${")
		if start == -1 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}")
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start

		b.WriteString(s[:start])
		key := s[start+2 : end]
		if v, ok := vars[key]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[start : end+1])
		}
		s = s[end+1:]
	}
	return b.String()
}

// RenderSystem renders t.SystemPrompt against vars.
func (t Template) RenderSystem(vars map[string]string) string {
	return Render(t.SystemPrompt, vars)
}

// RenderUser renders t.UserPrompt against vars.
func (t Template) RenderUser(vars map[string]string) string {
	return Render(t.UserPrompt, vars)
}
