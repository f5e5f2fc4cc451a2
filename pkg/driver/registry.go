package driver

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/openxvc/xvcbridge/pkg/xvcerr"
)

// Entry describes one registered driver.
type Entry struct {
	Name        string
	NeedsTarget bool
	New         Factory
}

var (
	mu          sync.Mutex
	registry    = map[string]Entry{}
	defaultName string
)

// Register adds a named driver factory to the process-wide registry.
// Registration is idempotent only when the colliding name maps to the
// identical factory; any other collision is a startup-time programming
// error and aborts the process.
func Register(name string, needsTarget bool, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	key := strings.ToLower(name)
	if existing, ok := registry[key]; ok {
		if reflect.ValueOf(existing.New).Pointer() == reflect.ValueOf(factory).Pointer() {
			return
		}
		panic(fmt.Sprintf("driver: duplicate registration for %q", name))
	}
	registry[key] = Entry{Name: key, NeedsTarget: needsTarget, New: factory}
}

// SetDefault marks name as the implicit default driver. It panics if name
// was never registered -- this is only ever called from a driver's own
// init(), right after Register.
func SetDefault(name string) {
	mu.Lock()
	defer mu.Unlock()
	key := strings.ToLower(name)
	if _, ok := registry[key]; !ok {
		panic(fmt.Sprintf("driver: cannot default to unregistered driver %q", name))
	}
	defaultName = key
}

// Default returns the name of the implicit default driver, or "" if none
// has been set.
func Default() string {
	mu.Lock()
	defer mu.Unlock()
	return defaultName
}

// Lookup returns the registered entry for name, if any.
func Lookup(name string) (Entry, bool) {
	mu.Lock()
	defer mu.Unlock()
	e, ok := registry[strings.ToLower(name)]
	return e, ok
}

// List returns all registered entries sorted by name, for -h/usage output.
func List() []Entry {
	mu.Lock()
	defer mu.Unlock()
	out := make([]Entry, 0, len(registry))
	for _, e := range registry {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Create looks up name and invokes its factory, validating the -t <target>
// requirement declared by the driver.
func Create(name string, args []string, target string) (Driver, error) {
	e, ok := Lookup(name)
	if !ok {
		return nil, xvcerr.NewProtoErr(fmt.Sprintf("unknown driver %q", name))
	}
	if e.NeedsTarget && target == "" {
		return nil, xvcerr.NewProtoErr(fmt.Sprintf("driver %q requires -t <target>", name))
	}
	return e.New(args, target)
}

// resetRegistryForTest clears the registry. Test-only helper.
func resetRegistryForTest() {
	mu.Lock()
	defer mu.Unlock()
	registry = map[string]Entry{}
	defaultName = ""
}
