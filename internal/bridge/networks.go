package bridge

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "AgentMesh/internal/errors"
)

// NetworkDefinitions models the structure of configs/networks.yaml.
type NetworkDefinitions struct {
	Networks map[string]NetworkDefinition `yaml:"networks"`
}

// NetworkDefinition describes a single remote network endpoint.
type NetworkDefinition struct {
	Type        string   `yaml:"type"`
	RPCURL      string   `yaml:"rpc_url"`
	Description string   `yaml:"description"`
	Adverts     []Advert `yaml:"adverts"`
}

// LoadNetworkDefinitions parses the YAML file containing network metadata.
func LoadNetworkDefinitions(path string) (NetworkDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return NetworkDefinitions{Networks: map[string]NetworkDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return NetworkDefinitions{}, fmt.Errorf("读取网络配置失败: %w", err)
	}

	var defs NetworkDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return NetworkDefinitions{}, fmt.Errorf("解析网络配置失败: %w", err)
	}
	if defs.Networks == nil {
		defs.Networks = map[string]NetworkDefinition{}
	}
	return defs, nil
}

// AdapterFactory instantiates an adapter for one network definition.
// Factories are keyed by the definition's type.
type AdapterFactory func(ctx context.Context, name string, def NetworkDefinition) (Adapter, error)

// Registry manages a set of network adapters keyed by human readable
// names.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry loads network definitions and instantiates concrete
// adapters through the supplied factories.
func NewRegistry(ctx context.Context, defs NetworkDefinitions, factories map[string]AdapterFactory) (*Registry, error) {
	adapters := make(map[string]Adapter)
	for name, def := range defs.Networks {
		kind := strings.ToLower(strings.TrimSpace(def.Type))
		if kind == "" {
			kind = "evm"
		}
		factory, ok := factories[kind]
		if !ok {
			return nil, fmt.Errorf("网络 %s 使用了不支持的类型 %s", name, def.Type)
		}
		adapter, err := factory(ctx, name, def)
		if err != nil {
			return nil, fmt.Errorf("初始化网络 %s 失败: %w", name, err)
		}
		adapters[name] = adapter
	}
	return &Registry{adapters: adapters}, nil
}

// NewStaticRegistry wraps pre-built adapters, used by tests and by
// deployments that wire adapters programmatically.
func NewStaticRegistry(adapters ...Adapter) *Registry {
	m := make(map[string]Adapter, len(adapters))
	for _, adapter := range adapters {
		m[adapter.Name()] = adapter
	}
	return &Registry{adapters: m}
}

// Adapter returns the adapter registered under name.
func (r *Registry) Adapter(name string) (Adapter, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "网络注册表未初始化")
	}
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, xerrors.Wrap(CodeUnknownNetwork, nil, fmt.Sprintf("网络 %s 未注册", name))
	}
	return adapter, nil
}

// Networks returns the sorted list of registered network names.
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all adapters managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, adapter := range r.adapters {
		if adapter != nil {
			_ = adapter.Close()
		}
		delete(r.adapters, name)
	}
}
