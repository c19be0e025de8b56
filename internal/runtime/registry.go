package runtime

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Override adjusts a built-in profile from configuration. Zero fields keep
// the built-in value.
type Override struct {
	Disabled       bool
	CompileTimeout time.Duration
	RunTimeout     time.Duration
	MemoryBytes    int64
	MaxOutputBytes int64
	PidsLimit      int64
	Image          string
}

func (p Profile) apply(o Override) Profile {
	if o.CompileTimeout > 0 {
		p.CompileTimeout = o.CompileTimeout
	}
	if o.RunTimeout > 0 {
		p.RunTimeout = o.RunTimeout
	}
	if o.MemoryBytes > 0 {
		p.MemoryLimitBytes = o.MemoryBytes
	}
	if o.MaxOutputBytes > 0 {
		p.MaxOutputBytes = o.MaxOutputBytes
	}
	if o.PidsLimit > 0 {
		p.PidsLimit = o.PidsLimit
	}
	if o.Image != "" {
		p.Image = o.Image
	}
	return p
}

// Registry maps language ids to profiles. It is read-only once built and
// safe for concurrent use without locking.
type Registry struct {
	profiles map[string]Profile
	ids      []string
}

// NewRegistry builds a registry from explicit profiles.
func NewRegistry(profiles ...Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.profiles[p.ID]; dup {
			return nil, fmt.Errorf("duplicate profile %q", p.ID)
		}
		r.profiles[p.ID] = p
		r.ids = append(r.ids, p.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Builtin returns the profiles shipped with the service.
func Builtin() []Profile {
	return []Profile{
		pythonProfile(),
		javascriptProfile(),
		cProfile(),
		cppProfile(),
		javaProfile(),
		csharpProfile(),
		goProfile(),
		bashProfile(),
	}
}

// NewDefaultRegistry builds the built-in registry with per-language
// overrides applied. Overrides for unknown ids are an error so a typo in
// configuration does not go unnoticed.
func NewDefaultRegistry(overrides map[string]Override) (*Registry, error) {
	builtin := Builtin()
	known := make(map[string]bool, len(builtin))
	for _, p := range builtin {
		known[p.ID] = true
	}
	norm := make(map[string]Override, len(overrides))
	for id, o := range overrides {
		key := strings.ToLower(id)
		if !known[key] {
			return nil, fmt.Errorf("%w: override for %q", ErrUnsupportedLanguage, id)
		}
		norm[key] = o
	}

	profiles := make([]Profile, 0, len(builtin))
	for _, p := range builtin {
		o, ok := norm[p.ID]
		if ok && o.Disabled {
			continue
		}
		if ok {
			p = p.apply(o)
		}
		profiles = append(profiles, p)
	}
	return NewRegistry(profiles...)
}

// Lookup returns the profile for a language id. Ids are case-insensitive.
func (r *Registry) Lookup(language string) (Profile, error) {
	p, ok := r.profiles[strings.ToLower(strings.TrimSpace(language))]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedLanguage, language, strings.Join(r.ids, ", "))
	}
	return p, nil
}

// Languages returns all registered ids in sorted order.
func (r *Registry) Languages() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// Profiles returns all registered profiles sorted by id.
func (r *Registry) Profiles() []Profile {
	out := make([]Profile, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.profiles[id])
	}
	return out
}

// Images returns the distinct container images used by registered profiles.
func (r *Registry) Images() []string {
	seen := make(map[string]bool)
	var images []string
	for _, id := range r.ids {
		img := r.profiles[id].Image
		if img == "" || seen[img] {
			continue
		}
		seen[img] = true
		images = append(images, img)
	}
	return images
}
