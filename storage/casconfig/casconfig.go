// Package casconfig opens block stores from a declarative backend list.
package casconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"xdao.co/peerlog/storage"
	"xdao.co/peerlog/storage/casregistry"
)

// Write policies.
const (
	// WriteFirst writes to the first backend only; reads fall back in order.
	WriteFirst = "first"
	// WriteAll writes to every backend and requires CID agreement.
	WriteAll = "all"
)

// Config selects block store backends through casregistry.
// Backends are linked into a binary with blank imports.
//
// Example (YAML, as embedded under "blocks" in a node config):
//
//	write_policy: all
//	backends:
//	  - name: badger
//	    config: {badger-dir: /var/lib/peerlog/blocks}
//	  - name: grpc
//	    config: {grpc-target: "10.0.0.2:7777"}
//
// Config keys are backend-specific and mirror the backend's flag names.
type Config struct {
	WritePolicy string          `json:"write_policy,omitempty" yaml:"write_policy,omitempty"`
	Backends    []BackendConfig `json:"backends" yaml:"backends"`
}

type BackendConfig struct {
	// Name is the casregistry backend to open (e.g. "grpc", "localfs", "badger").
	Name string `json:"name" yaml:"name"`
	// ID names this instance. It defaults to Name and must be unique.
	ID     string            `json:"id,omitempty" yaml:"id,omitempty"`
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

func (b BackendConfig) id() string {
	if b.ID != "" {
		return b.ID
	}
	return b.Name
}

// LoadFile reads a config file. Files ending in .yaml or .yml are YAML,
// anything else is JSON.
func LoadFile(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, errors.New("casconfig: empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	default:
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("casconfig: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate reports every problem in c.
func (c Config) Validate() error {
	var err error
	if len(c.Backends) == 0 {
		err = multierr.Append(err, errors.New("casconfig: at least one backend is required"))
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			err = multierr.Append(err, fmt.Errorf("casconfig: backend %d: name is required", i))
			continue
		}
		if _, ok := seen[b.id()]; ok {
			err = multierr.Append(err, fmt.Errorf("casconfig: duplicate backend id %q", b.id()))
		}
		seen[b.id()] = struct{}{}
	}
	switch c.WritePolicy {
	case "", WriteFirst, WriteAll:
	default:
		err = multierr.Append(err, fmt.Errorf("casconfig: invalid write_policy %q", c.WritePolicy))
	}
	return err
}

// Open opens every backend and combines them per WritePolicy.
//
// A non-empty preferredBackend (name or id) is moved to the front, so it
// takes writes under WriteFirst. The returned close function closes the
// backends in reverse order.
func (c Config) Open(usage casregistry.Usage, preferredBackend string) (storage.CAS, func() error, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	ordered := append([]BackendConfig(nil), c.Backends...)
	if preferredBackend != "" {
		idx := -1
		for i := range ordered {
			if ordered[i].Name == preferredBackend || ordered[i].ID == preferredBackend {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, nil, fmt.Errorf("casconfig: preferred backend %q not found in config", preferredBackend)
		}
		b := ordered[idx]
		copy(ordered[1:idx+1], ordered[:idx])
		ordered[0] = b
	}

	var closers []func() error
	closeAll := func() error {
		var err error
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
		return err
	}

	named := make([]storage.NamedCAS, 0, len(ordered))
	for _, b := range ordered {
		cas, closeFn, err := casregistry.OpenWithConfig(b.Name, usage, b.Config)
		if err != nil {
			return nil, nil, multierr.Append(fmt.Errorf("casconfig: open %s: %w", b.id(), err), closeAll())
		}
		named = append(named, storage.NamedCAS{Name: b.id(), CAS: cas})
		if closeFn != nil {
			closers = append(closers, closeFn)
		}
	}

	if len(named) == 1 {
		return named[0].CAS, closeAll, nil
	}
	if c.WritePolicy == WriteAll {
		return storage.ReplicatingCAS{Backends: named}, closeAll, nil
	}
	adapters := make([]storage.CAS, len(named))
	for i, n := range named {
		adapters[i] = n.CAS
	}
	return storage.MultiCAS{Adapters: adapters}, closeAll, nil
}
