// Package registry loads and validates the source definitions the farm
// collects from. Sources live in a YAML file next to the main config so
// adding a shop or a feed never requires a rebuild.
package registry

import (
	"os"

	"dario.cat/mergo"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/kicktrack/tracker-cli/internal/model"
)

// Defaults holds the per-source tunables a sources file may set once at the
// top instead of repeating on every entry.
type Defaults struct {
	Weight       float64  `yaml:"weight"`
	DelaySeconds float64  `yaml:"delay_seconds"`
	Render       bool     `yaml:"render"`
	Locations    []string `yaml:"locations"`
}

// File is the on-disk shape of sources.yaml.
type File struct {
	Defaults Defaults       `yaml:"defaults"`
	Sources  []model.Source `yaml:"sources"`
}

// Registry is the validated, defaults-applied source set in file order.
type Registry struct {
	sources []model.Source
	byID    map[string]model.Source
}

// Load reads a sources file from disk.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read %s", path)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "registry: parse %s", path)
	}
	return build(f)
}

func build(f File) (*Registry, error) {
	overlay := model.Source{
		Weight:       f.Defaults.Weight,
		DelaySeconds: f.Defaults.DelaySeconds,
		Render:       f.Defaults.Render,
		Locations:    f.Defaults.Locations,
	}

	r := &Registry{byID: make(map[string]model.Source, len(f.Sources))}
	for i := range f.Sources {
		src := f.Sources[i]
		if src.ID == "" {
			return nil, eris.Errorf("registry: source %d: missing id", i)
		}
		if _, dup := r.byID[src.ID]; dup {
			return nil, eris.Errorf("registry: duplicate source id %q", src.ID)
		}

		if err := mergo.Merge(&src, overlay); err != nil {
			return nil, eris.Wrapf(err, "registry: apply defaults to %s", src.ID)
		}
		if err := validate(src); err != nil {
			return nil, err
		}

		r.sources = append(r.sources, src)
		r.byID[src.ID] = src
	}
	return r, nil
}

func validate(src model.Source) error {
	switch src.Kind {
	case model.SourceKindShopify, model.SourceKindHTML, model.SourceKindFeed:
	default:
		return eris.Errorf("registry: source %s: unknown kind %q", src.ID, src.Kind)
	}
	if len(src.URLs) == 0 {
		return eris.Errorf("registry: source %s: no urls", src.ID)
	}
	if src.Weight < 0 || src.Weight > 1 {
		return eris.Errorf("registry: source %s: weight %v out of range [0, 1]", src.ID, src.Weight)
	}
	if src.Kind == model.SourceKindHTML && src.Selectors.Item == "" {
		return eris.Errorf("registry: source %s: html sources need selectors.item", src.ID)
	}
	return nil
}

// All returns every source in file order, including disabled ones.
func (r *Registry) All() []model.Source {
	return r.sources
}

// Enabled returns the sources eligible for collection.
func (r *Registry) Enabled() []model.Source {
	var out []model.Source
	for _, s := range r.sources {
		if !s.Disabled {
			out = append(out, s)
		}
	}
	return out
}

// Realtime returns the enabled sources flagged for the fast cadence.
func (r *Registry) Realtime() []model.Source {
	var out []model.Source
	for _, s := range r.sources {
		if !s.Disabled && s.Realtime {
			out = append(out, s)
		}
	}
	return out
}

// Get looks a source up by ID.
func (r *Registry) Get(id string) (model.Source, bool) {
	s, ok := r.byID[id]
	return s, ok
}
