package prompt

import (
	"embed"
	"fmt"
	"io/fs"
	"path"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var builtinTemplates embed.FS

// Registry holds every loaded template, keyed by id then version, so that
// "default = highest version" is resolved by looking only at the versions
// of the requested id on each Render/Invoke call.
type Registry struct {
	byID map[string]map[int]*Template
}

// LoadBuiltin loads the four canonical templates embedded in the
// binary (evaluation_quality and evaluation_correction are required at
// launch; format_detection and correction_user_prompt are optional but
// shipped here too since the Conversion and Conversation agents use them).
func LoadBuiltin() (*Registry, error) {
	return Load(builtinTemplates, "templates")
}

// Load reads every *.yaml document under dir in fsys and builds a Registry.
// Exported so a deployment can point at an on-disk override directory
// instead (os.DirFS) holding on-disk, versioned documents.
func Load(fsys fs.FS, dir string) (*Registry, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("prompt: read template dir %q: %w", dir, err)
	}

	reg := &Registry{byID: map[string]map[int]*Template{}}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("prompt: read %s: %w", entry.Name(), err)
		}
		var tpl Template
		if err := yaml.Unmarshal(raw, &tpl); err != nil {
			return nil, fmt.Errorf("prompt: parse %s: %w", entry.Name(), err)
		}
		if tpl.ID == "" || tpl.Version == 0 {
			return nil, fmt.Errorf("prompt: %s missing id or version", entry.Name())
		}
		if reg.byID[tpl.ID] == nil {
			reg.byID[tpl.ID] = map[int]*Template{}
		}
		t := tpl
		reg.byID[tpl.ID][tpl.Version] = &t
	}

	for _, required := range []string{TemplateEvaluationQuality, TemplateEvaluationCorrection} {
		if _, ok := reg.byID[required]; !ok {
			return nil, fmt.Errorf("prompt: required template %q not found", required)
		}
	}
	return reg, nil
}

// Get returns the highest-versioned template for id, or the exact version
// if version > 0.
func (r *Registry) Get(id string, version int) (*Template, bool) {
	versions, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	if version > 0 {
		t, ok := versions[version]
		return t, ok
	}
	best := -1
	for v := range versions {
		if v > best {
			best = v
		}
	}
	if best == -1 {
		return nil, false
	}
	return versions[best], true
}
