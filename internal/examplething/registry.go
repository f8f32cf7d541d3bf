package examplething

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tjfontaine/thingserver/internal/thing"
)

// Factory builds a Thing of one type.
type Factory struct {
	Type        string
	Description string
	New         func(title string) *thing.Thing
}

var (
	factoriesMu  sync.RWMutex
	factories    = make(map[string]Factory)
	builtinsOnce sync.Once
)

// RegisterFactory makes a Thing type available to configuration. It
// panics on duplicates, which only happen through programming errors.
func RegisterFactory(f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, exists := factories[f.Type]; exists {
		panic(fmt.Sprintf("thing type %q already registered", f.Type))
	}
	factories[f.Type] = f
}

// IsRegistered reports whether a type has a factory.
func IsRegistered(typ string) bool {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	_, ok := factories[typ]
	return ok
}

// New builds a Thing of the given type.
func New(typ, title string) (*thing.Thing, error) {
	factoriesMu.RLock()
	f, ok := factories[typ]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown thing type %q", typ)
	}
	return f.New(title), nil
}

// Factories lists registered types sorted by name.
func Factories() []Factory {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]Factory, 0, len(factories))
	for _, f := range factories {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// RegisterBuiltins registers the Thing types in this package. Safe to call
// more than once.
func RegisterBuiltins() {
	builtinsOnce.Do(func() {
		RegisterFactory(Factory{
			Type:        "counter",
			Description: "An integer counter with demo actions",
			New: func(title string) *thing.Thing {
				return NewCounter(title).Thing
			},
		})
	})
}
