package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/morezero/fitable-broker/pkg/registry"
	"github.com/morezero/fitable-broker/pkg/semver"
	"github.com/morezero/fitable-broker/pkg/tasksource"
)

const logPrefix = "bootstrap:loader"

// ManifestEnv names the environment variable consulted by LoadManifest.
const ManifestEnv = "BROKER_MANIFEST_FILE"

// DefaultPaths are tried after explicit paths and ManifestEnv.
var DefaultPaths = []string{"config/manifest.yaml", "config/manifest.json", "manifest.yaml"}

// LoadManifest loads the first readable manifest. It tries paths in order:
// first any paths passed in, then BROKER_MANIFEST_FILE, then DefaultPaths.
// Missing files are skipped; an unparsable or invalid file is an error.
// When nothing is found the default manifest is returned.
func LoadManifest(paths ...string) (*Manifest, error) {
	all := make([]string, 0, len(paths)+len(DefaultPaths)+1)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv(ManifestEnv); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, DefaultPaths...)

	for _, p := range all {
		m, err := ReadManifest(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		slog.Info(fmt.Sprintf("%s - Loaded manifest %s from %s", logPrefix, m.Name, p))
		return m, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default manifest", logPrefix))
	return DefaultManifest(), nil
}

// ReadManifest reads and validates one manifest file. Files ending in .json
// are decoded as JSON, everything else as YAML.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := ParseManifest(data, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return nil, fmt.Errorf("%s - %s: %w", logPrefix, path, err)
	}
	return m, nil
}

// ParseManifest decodes and validates a manifest. Unknown fields are rejected.
func ParseManifest(data []byte, isJSON bool) (*Manifest, error) {
	var m Manifest
	if isJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("parse json manifest: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("parse yaml manifest: %w", err)
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks every contract and implementation in the manifest.
// Implementations must name a contract declared in the same manifest.
func (m *Manifest) Validate() error {
	var errs []error
	for _, id := range m.ContractIDs() {
		c := m.Contracts[string(id)]
		if err := c.Shape().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("contract %s: %w", id, err))
		}
		if err := semver.ValidateVersion(c.Version); err != nil {
			errs = append(errs, fmt.Errorf("contract %s: %w", id, err))
		}
	}

	seen := make(map[string]bool, len(m.Implementations))
	for i, impl := range m.Implementations {
		name := impl.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i)
			errs = append(errs, fmt.Errorf("implementation %s: id is required", name))
		}
		if seen[impl.ID] {
			errs = append(errs, fmt.Errorf("implementation %s: declared twice", name))
		}
		seen[impl.ID] = true
		if _, ok := m.Contracts[impl.Contract]; !ok {
			errs = append(errs, fmt.Errorf("implementation %s: contract %q is not declared", name, impl.Contract))
		}
		if impl.Subject == "" {
			errs = append(errs, fmt.Errorf("implementation %s: subject is required", name))
		}
		if _, err := impl.timeout(); err != nil {
			errs = append(errs, fmt.Errorf("implementation %s: %w", name, err))
		}
		if err := semver.ValidateVersion(impl.Version); err != nil {
			errs = append(errs, fmt.Errorf("implementation %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ContractIDs returns the declared contract ids, sorted.
func (m *Manifest) ContractIDs() []registry.ContractID {
	ids := make([]registry.ContractID, 0, len(m.Contracts))
	for id := range m.Contracts {
		ids = append(ids, registry.ContractID(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (impl ManifestImplementation) timeout() (time.Duration, error) {
	if impl.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(impl.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", impl.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative timeout %q", impl.Timeout)
	}
	return d, nil
}

// Implementation converts the entry into a remote registry implementation.
func (impl ManifestImplementation) Implementation() (registry.Implementation, error) {
	timeout, err := impl.timeout()
	if err != nil {
		return registry.Implementation{}, err
	}
	return registry.Implementation{
		ID:           registry.ImplementationID(impl.ID),
		Contract:     registry.ContractID(impl.Contract),
		Capabilities: append([]string(nil), impl.Capabilities...),
		Version:      impl.Version,
		Dispatch: registry.RemoteDispatch{Endpoint: registry.Endpoint{
			Subject: impl.Subject,
			NatsURL: impl.NatsURL,
			Timeout: timeout,
		}},
	}, nil
}

// Apply registers the manifest's contracts and remote implementations on reg.
// It stops at the first registry failure.
func Apply(ctx context.Context, reg *registry.Registry, m *Manifest) (ApplyResult, error) {
	var res ApplyResult
	for _, id := range m.ContractIDs() {
		if err := reg.Register(ctx, id, m.Contracts[string(id)].Shape()); err != nil {
			return res, fmt.Errorf("%s - failed to register contract %s: %w", logPrefix, id, err)
		}
		res.Contracts++
	}
	for _, entry := range m.Implementations {
		impl, err := entry.Implementation()
		if err != nil {
			return res, fmt.Errorf("%s - implementation %s: %w", logPrefix, entry.ID, err)
		}
		if err := reg.RegisterImplementation(ctx, impl.Contract, impl); err != nil {
			return res, fmt.Errorf("%s - failed to register implementation %s: %w", logPrefix, entry.ID, err)
		}
		res.Implementations++
	}
	slog.Info(fmt.Sprintf("%s - Applied manifest %s: %d contracts, %d implementations", logPrefix, m.Name, res.Contracts, res.Implementations))
	return res, nil
}

// DefaultManifest declares the task-source contracts and no implementations.
func DefaultManifest() *Manifest {
	contracts := make(map[string]ManifestContract, len(tasksource.AllContracts))
	for _, id := range tasksource.AllContracts {
		shape := tasksource.Shape(id)
		contracts[string(id)] = ManifestContract{
			Method:      shape.Method,
			Params:      shape.Params,
			Returns:     shape.Returns,
			Version:     "1.0.0",
			Description: fmt.Sprintf("Task source %s operation", shape.Method),
		}
	}
	return &Manifest{
		Name:        "fitable-broker-default",
		Version:     "1.0.0",
		Description: "Task source contracts",
		Contracts:   contracts,
	}
}

// MergeManifests merges override into base. Contracts are replaced by id,
// implementations by id, and non-empty names and versions win.
func MergeManifests(base, override *Manifest) *Manifest {
	merged := *base
	merged.Contracts = make(map[string]ManifestContract, len(base.Contracts)+len(override.Contracts))
	for id, c := range base.Contracts {
		merged.Contracts[id] = c
	}
	for id, c := range override.Contracts {
		merged.Contracts[id] = c
	}

	merged.Implementations = nil
	index := make(map[string]int)
	for _, list := range [][]ManifestImplementation{base.Implementations, override.Implementations} {
		for _, impl := range list {
			if i, ok := index[impl.ID]; ok {
				merged.Implementations[i] = impl
				continue
			}
			index[impl.ID] = len(merged.Implementations)
			merged.Implementations = append(merged.Implementations, impl)
		}
	}

	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Version != "" {
		merged.Version = override.Version
	}
	if override.Description != "" {
		merged.Description = override.Description
	}
	return &merged
}
