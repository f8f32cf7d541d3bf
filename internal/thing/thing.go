// Package thing holds the objects a server exposes and the registry that
// mounts them at URL paths.
package thing

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tjfontaine/thingserver/internal/action"
)

var (
	// ErrDuplicateAction is returned when an action name is already taken.
	ErrDuplicateAction = errors.New("action already defined")
	// ErrInvalidAction is returned for definitions without a name or body.
	ErrInvalidAction = errors.New("invalid action definition")
)

// Thing is a named collection of actions. All actions on one Thing run one
// at a time, in the order they were invoked.
type Thing struct {
	Title       string
	Description string

	mu      sync.RWMutex
	path    string
	actions map[string]*action.Definition
	lock    action.Serial
}

// New creates an unmounted Thing.
func New(title string) *Thing {
	return &Thing{
		Title:   title,
		actions: make(map[string]*action.Definition),
	}
}

// AddAction registers an action. The definition is copied.
func (t *Thing) AddAction(def action.Definition) error {
	if def.Name == "" || def.Func == nil {
		return fmt.Errorf("%w: name and func are required", ErrInvalidAction)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.actions[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAction, def.Name)
	}
	t.actions[def.Name] = &def
	return nil
}

// MustAddAction is AddAction for static setup code.
func (t *Thing) MustAddAction(def action.Definition) *Thing {
	if err := t.AddAction(def); err != nil {
		panic(err)
	}
	return t
}

// Path returns the mount path, or "" before the Thing is added to a Registry.
func (t *Thing) Path() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.path
}

// Action looks up an action by name.
func (t *Thing) Action(name string) (*action.Definition, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	def, ok := t.actions[name]
	return def, ok
}

// Actions returns the definitions sorted by name.
func (t *Thing) Actions() []*action.Definition {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*action.Definition, 0, len(t.actions))
	for _, def := range t.actions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ActionLock is the per-Thing queue actions wait in.
func (t *Thing) ActionLock() *action.Serial {
	return &t.lock
}

func (t *Thing) mount(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.path != "" {
		return fmt.Errorf("%w: already at %s", ErrAlreadyMounted, t.path)
	}
	t.path = path
	return nil
}
