package thing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrDuplicatePath  = errors.New("thing path already in use")
	ErrAlreadyMounted = errors.New("thing already mounted")
	ErrInvalidPath    = errors.New("invalid thing path")
	ErrNotFound       = errors.New("thing not found")
)

// reserved holds first path segments the server uses for its own routes.
var reserved = map[string]bool{
	"action_invocations": true,
	"things":             true,
	"metrics":            true,
	"healthz":            true,
}

// NormalizePath turns "counter", "/counter" or "counter/" into "/counter/".
func NormalizePath(path string) (string, error) {
	name := strings.Trim(path, "/")
	switch {
	case name == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	case strings.Contains(name, "/"):
		return "", fmt.Errorf("%w: %q has more than one segment", ErrInvalidPath, path)
	case reserved[name]:
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidPath, path)
	}
	return "/" + name + "/", nil
}

// Registry maps paths to mounted Things.
type Registry struct {
	mu     sync.RWMutex
	things map[string]*Thing
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{things: make(map[string]*Thing)}
}

// Add mounts t at path. Each path and each Thing can be used once.
func (r *Registry) Add(path string, t *Thing) error {
	p, err := NormalizePath(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.things[p]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePath, p)
	}
	if err := t.mount(p); err != nil {
		return err
	}
	r.things[p] = t
	return nil
}

// Get finds a Thing by path, normalizing it first.
func (r *Registry) Get(path string) (*Thing, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.things[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return t, nil
}

// Things returns every mounted Thing sorted by path.
func (r *Registry) Things() []*Thing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Thing, 0, len(r.things))
	for _, t := range r.things {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out
}
