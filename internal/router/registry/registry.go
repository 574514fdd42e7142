package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// table is the immutable snapshot swapped in on each reload.
type table struct {
	byName map[string]CommandSpec
	sticky map[string]bool
}

// Registry resolves command text against a hot-reloadable command table.
type Registry struct {
	path    string
	current atomic.Pointer[table]
	modTime time.Time
}

// Load reads path once and returns a ready Registry.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	info, err := os.Stat(r.path)
	if err != nil {
		return fmt.Errorf("stat command registry %s: %w", r.path, err)
	}
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("reading command registry %s: %w", r.path, err)
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parsing command registry %s: %w", r.path, err)
	}

	t := &table{byName: make(map[string]CommandSpec, len(f.Commands)), sticky: make(map[string]bool)}
	for _, spec := range f.Commands {
		name := strings.ToLower(spec.Name)
		t.byName[name] = spec
		for _, alias := range spec.Aliases {
			t.byName[strings.ToLower(alias)] = spec
		}
		if spec.Sticky {
			t.sticky[name] = true
		}
	}
	r.current.Store(t)
	r.modTime = info.ModTime()
	return nil
}

// MaybeReload re-reads the registry file if its mtime advanced since the
// last load. Safe to call on every request; Stat is cheap relative to a
// chat round trip.
func (r *Registry) MaybeReload() {
	info, err := os.Stat(r.path)
	if err != nil {
		return
	}
	if info.ModTime().After(r.modTime) {
		_ = r.reload()
	}
}

// Resolve strips a leading '/', lowercases, strips an optional "@botname"
// suffix, and resolves aliases to their canonical CommandSpec.
func (r *Registry) Resolve(cmdText string) (CommandSpec, bool) {
	name := strings.TrimPrefix(strings.TrimSpace(cmdText), "/")
	name = strings.ToLower(name)
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	t := r.current.Load()
	if t == nil {
		return CommandSpec{}, false
	}
	spec, ok := t.byName[name]
	return spec, ok
}

// List returns every canonical CommandSpec (aliases excluded), for /help.
func (r *Registry) List() []CommandSpec {
	t := r.current.Load()
	if t == nil {
		return nil
	}
	specs := make([]CommandSpec, 0, len(t.byName))
	seen := make(map[string]bool, len(t.byName))
	for _, spec := range t.byName {
		name := strings.ToLower(spec.Name)
		if seen[name] {
			continue
		}
		seen[name] = true
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// IsSticky reports whether cmdName (already canonical) is configured sticky.
func (r *Registry) IsSticky(cmdName string) bool {
	t := r.current.Load()
	if t == nil {
		return false
	}
	return t.sticky[strings.ToLower(cmdName)]
}
