package vm

import (
	"context"
	"fmt"
	"slices"

	"github.com/containerd/log"
)

// VMType identifies the VMM backend
type VMType string

const (
	// VMTypeQEMU identifies the QEMU VMM backend.
	VMTypeQEMU VMType = "qemu"
)

// Factory creates VM instances for a specific VMM backend
type Factory interface {
	NewInstance(ctx context.Context, cfg Config) (Instance, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, cfg Config) (Instance, error)

// NewInstance calls f.
func (f FactoryFunc) NewInstance(ctx context.Context, cfg Config) (Instance, error) {
	return f(ctx, cfg)
}

// NewFactory returns the factory registered for vmmType.
func NewFactory(ctx context.Context, vmmType VMType) (Factory, error) {
	factory, ok := factories[vmmType]
	if !ok {
		return nil, fmt.Errorf("unknown VMM type: %s (available: %v)", vmmType, registeredTypes())
	}

	log.G(ctx).WithField("vmm", vmmType).Debug("selected VMM backend")
	return factory, nil
}

// factories holds registered VMM factory implementations
var factories = make(map[VMType]Factory)

// Register registers a VMM factory implementation.
// This is called by init() functions in each VMM package.
func Register(vmmType VMType, factory Factory) {
	if _, exists := factories[vmmType]; exists {
		panic(fmt.Sprintf("VMM factory already registered: %s", vmmType))
	}
	factories[vmmType] = factory
}

func registeredTypes() []VMType {
	types := make([]VMType, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
