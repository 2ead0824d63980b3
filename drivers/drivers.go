// Package drivers holds the registry of the pod drivers known to the
// agent. The drivers are registered explicitly at startup and looked up
// by the power type of a pod.
package drivers

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/metalyard/region/datamodel/pod"
	"github.com/metalyard/region/drivers/lxd"
)

// Registry of the pod drivers keyed by name.
type Registry struct {
	mutex   sync.RWMutex
	drivers map[string]pod.Driver
}

// Creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: map[string]pod.Driver{}}
}

// Creates the registry with every built-in driver.
func Default() *Registry {
	registry := NewRegistry()
	// The built-in drivers have distinct names.
	_ = registry.Register(lxd.NewDriver(nil))
	return registry
}

// Registers the driver under its name. It is an error to register two
// drivers with the same name.
func (r *Registry) Register(driver pod.Driver) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	name := driver.Name()
	if name == "" {
		return errors.New("pod driver must have a name")
	}
	if _, exists := r.drivers[name]; exists {
		return errors.Errorf("pod driver %s is already registered", name)
	}
	r.drivers[name] = driver
	return nil
}

// Returns the driver by name.
func (r *Registry) Get(name string) (pod.Driver, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	driver, ok := r.drivers[name]
	if !ok {
		return nil, &pod.UnknownDriverError{Name: name}
	}
	return driver, nil
}

// Returns the sorted names of the registered drivers.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Returns the settings schemas of the registered drivers ordered by the
// driver name.
func (r *Registry) Settings() []pod.Settings {
	names := r.Names()
	settings := make([]pod.Settings, 0, len(names))
	for _, name := range names {
		driver, err := r.Get(name)
		if err != nil {
			continue
		}
		settings = append(settings, driver.Settings())
	}
	return settings
}
