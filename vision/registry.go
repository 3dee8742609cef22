package vision

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Tstrebe2/mads-capstone-medical-imaging/tensor"
)

// BackboneBuilder constructs a feature extractor with the given number of
// input channels on the given device.
type BackboneBuilder func(inputChannels int, device tensor.DeviceType) (Backbone, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]BackboneBuilder)
)

func init() {
	RegisterBackbone("densenet121", func(c int, d tensor.DeviceType) (Backbone, error) {
		return NewDenseNet121(c, d)
	})
	RegisterBackbone("densenet169", func(c int, d tensor.DeviceType) (Backbone, error) {
		return NewDenseNet169(c, d)
	})
	RegisterBackbone("densenet201", func(c int, d tensor.DeviceType) (Backbone, error) {
		return NewDenseNet201(c, d)
	})
}

// RegisterBackbone makes a builder available under the given name,
// overwriting any previous registration.
func RegisterBackbone(name string, builder BackboneBuilder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = builder
}

// BuildBackbone constructs the named feature extractor.
func BuildBackbone(name string, inputChannels int, device tensor.DeviceType) (Backbone, error) {
	registryMu.RLock()
	builder, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown backbone %q, available: %v", name, BackboneNames())
	}
	return builder(inputChannels, device)
}

// BackboneNames returns the registered architecture names in sorted order.
func BackboneNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
