package config

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/engine"
)

// Options is the free-form configuration of a plugin instance.
type Options map[string]interface{}

// Plugin factories build an instance from its options.
type (
	SourceFactory    func(opts Options) (engine.Source, error)
	TransformFactory func(opts Options) (engine.Transform, error)
	BatchFactory     func(opts Options) (engine.BatchTransform, error)
	SinkFactory      func(opts Options) (engine.Sink, error)
)

// PluginKind discriminates the plugin factories of a registry.
type PluginKind string

const (
	KindSource      PluginKind = "source"
	KindTransform   PluginKind = "transform"
	KindAggregation PluginKind = "aggregation"
	KindSink        PluginKind = "sink"
)

// Registry maps plugin names to factories and caches the instances it
// built. Instances are keyed by kind, plugin name and the canonical hash of
// their options, so steps with identical configuration share one instance.
type Registry struct {
	mu         sync.Mutex
	sources    map[string]SourceFactory
	transforms map[string]TransformFactory
	batches    map[string]BatchFactory
	sinks      map[string]SinkFactory
	instances  map[string]interface{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:    make(map[string]SourceFactory),
		transforms: make(map[string]TransformFactory),
		batches:    make(map[string]BatchFactory),
		sinks:      make(map[string]SinkFactory),
		instances:  make(map[string]interface{}),
	}
}

// RegisterSource registers a source plugin.
func (r *Registry) RegisterSource(name string, f SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = f
}

// RegisterTransform registers a row transform plugin.
func (r *Registry) RegisterTransform(name string, f TransformFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[name] = f
}

// RegisterAggregation registers a batch transform plugin.
func (r *Registry) RegisterAggregation(name string, f BatchFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[name] = f
}

// RegisterSink registers a sink plugin.
func (r *Registry) RegisterSink(name string, f SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = f
}

// Plugins lists the registered plugin names of kind, sorted.
func (r *Registry) Plugins(kind PluginKind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	switch kind {
	case KindSource:
		names = keys(r.sources)
	case KindTransform:
		names = keys(r.transforms)
	case KindAggregation:
		names = keys(r.batches)
	case KindSink:
		names = keys(r.sinks)
	}
	sort.Strings(names)
	return names
}

// Source returns the source instance for plugin and opts.
func (r *Registry) Source(plugin string, opts Options) (engine.Source, error) {
	v, err := r.instance(KindSource, plugin, opts, func() (interface{}, bool, error) {
		f, ok := r.sources[plugin]
		if !ok {
			return nil, false, nil
		}
		p, err := f(opts)
		return p, true, err
	})
	if err != nil {
		return nil, err
	}
	return v.(engine.Source), nil
}

// Transform returns the transform instance for plugin and opts.
func (r *Registry) Transform(plugin string, opts Options) (engine.Transform, error) {
	v, err := r.instance(KindTransform, plugin, opts, func() (interface{}, bool, error) {
		f, ok := r.transforms[plugin]
		if !ok {
			return nil, false, nil
		}
		p, err := f(opts)
		return p, true, err
	})
	if err != nil {
		return nil, err
	}
	return v.(engine.Transform), nil
}

// Aggregation returns the batch transform instance for plugin and opts.
func (r *Registry) Aggregation(plugin string, opts Options) (engine.BatchTransform, error) {
	v, err := r.instance(KindAggregation, plugin, opts, func() (interface{}, bool, error) {
		f, ok := r.batches[plugin]
		if !ok {
			return nil, false, nil
		}
		p, err := f(opts)
		return p, true, err
	})
	if err != nil {
		return nil, err
	}
	return v.(engine.BatchTransform), nil
}

// Sink returns the sink instance for plugin and opts.
func (r *Registry) Sink(plugin string, opts Options) (engine.Sink, error) {
	v, err := r.instance(KindSink, plugin, opts, func() (interface{}, bool, error) {
		f, ok := r.sinks[plugin]
		if !ok {
			return nil, false, nil
		}
		p, err := f(opts)
		return p, true, err
	})
	if err != nil {
		return nil, err
	}
	return v.(engine.Sink), nil
}

// instance returns the cached instance for the key or builds it with
// build. build reports false when no factory is registered.
func (r *Registry) instance(kind PluginKind, plugin string, opts Options, build func() (interface{}, bool, error)) (interface{}, error) {
	hash, err := audit.StableHash(audit.DomainConfig, map[string]interface{}(opts))
	if err != nil {
		return nil, fmt.Errorf("hash %s %q options: %w", kind, plugin, err)
	}
	key := string(kind) + "/" + plugin + "/" + hash

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.instances[key]; ok {
		return v, nil
	}
	v, found, err := build()
	if !found {
		return nil, fmt.Errorf("unknown %s plugin %q", kind, plugin)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s plugin %q: %w", kind, plugin, err)
	}
	r.instances[key] = v
	return v, nil
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
