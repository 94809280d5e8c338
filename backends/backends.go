// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface of the runtimes that allocate backend tensors and execute
// computation graphs, and a registry of the available ones.
//
// Backends register themselves during initialization: import them for their side effect, e.g.:
//
//	import _ "github.com/fusegraph/fusegraph/backends/opv"
package backends

import (
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/fusegraph/fusegraph/pkg/core/graph"
	"github.com/fusegraph/fusegraph/pkg/core/shapes"
	"github.com/fusegraph/fusegraph/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Backend is the API a runtime needs to implement.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "opv".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// NewTensor allocates a tensor of the given shape owned by the backend.
	NewTensor(shape shapes.Shape) *tensors.Tensor

	// NewTensorFromMemory allocates a tensor of the given shape that stores its contents in mem while
	// they fit in it.
	NewTensorFromMemory(shape shapes.Shape, mem []byte) *tensors.Tensor

	// Execute evaluates the outputs of the graph g, with the parameters fed from inputs, and returns one
	// new tensor (owned by the backend) per output.
	Execute(g *graph.Graph, outputs []graph.NodeId, inputs map[graph.NodeId]*tensors.Tensor) ([]*tensors.Tensor, error)

	// Finalize releases all the tensors allocated by the backend immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered backends, sorted.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := maps.Keys(registeredConstructors)
	slices.Sort(names)
	return names
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "opv") and
// "<backend_configuration>" is backend specific (e.g.: "parallelism=4" for opv).
const ConfigEnvVar = "FUSEGRAPH_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment FUSEGRAPH_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_configuration>".
//
// The "<backend_name>" is the name of a registered backend (e.g.: "opv") and "<backend_configuration>"
// is backend specific. If there is no ":", the whole config is taken as the backend name, and if the
// config is empty, the first registered backend is used.
func NewWithConfig(config string) (Backend, error) {
	muRegistry.Lock()
	if len(registeredConstructors) == 0 {
		muRegistry.Unlock()
		return nil, errors.New(`no registered backends -- maybe import the reference one with import _ "github.com/fusegraph/fusegraph/backends/opv"?`)
	}
	backendName, backendConfig := firstRegistered, ""
	if config != "" {
		backendName = config
		if idx := strings.Index(config, ":"); idx != -1 {
			backendName = config[:idx]
			backendConfig = config[idx+1:]
		}
	}
	constructor, found := registeredConstructors[backendName]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given", backendName, config)
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating backend %q", backendName)
	}
	return backend, nil
}
