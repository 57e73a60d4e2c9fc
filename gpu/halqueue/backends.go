package halqueue

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// AdapterDesc describes an adapter exposed by a registered HAL backend.
type AdapterDesc struct {
	Backend gputypes.Backend
	Info    gputypes.AdapterInfo
	Limits  gputypes.Limits
}

// Adapters enumerates the adapters of every registered HAL backend, ordered
// by backend variant. Backends whose instance cannot be created are skipped.
func Adapters() []AdapterDesc {
	variants := hal.AvailableBackends()
	sort.Slice(variants, func(i, j int) bool { return variants[i] < variants[j] })

	var out []AdapterDesc
	for _, variant := range variants {
		backend, ok := hal.GetBackend(variant)
		if !ok {
			continue
		}
		instance, err := backend.CreateInstance(nil)
		if err != nil {
			continue
		}
		for _, exposed := range instance.EnumerateAdapters(nil) {
			out = append(out, AdapterDesc{Backend: variant, Info: exposed.Info, Limits: exposed.Capabilities.Limits})
		}
		instance.Destroy()
	}
	return out
}

// ParseBackend maps a case insensitive backend name such as "vulkan" or
// "empty" to a registered HAL backend variant.
func ParseBackend(name string) (gputypes.Backend, error) {
	for _, variant := range hal.AvailableBackends() {
		if strings.EqualFold(variant.String(), name) {
			return variant, nil
		}
	}
	return 0, fmt.Errorf("halqueue: backend %q: %w", name, hal.ErrBackendNotFound)
}
