package manifest

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/registry"
)

const (
	// EnvProtocolDir points the store at a manifest tree, taking
	// precedence over EnvProtocolPath and the dev-tree probes.
	EnvProtocolDir  = "AI_PROTOCOL_DIR"
	EnvProtocolPath = "AI_PROTOCOL_PATH"
)

// Relative locations probed inside each base directory, in lookup
// order. Compiled dist manifests win over authored YAML.
var sourceLayouts = []struct {
	dir string
	ext string
}{
	{"dist", ".json"},
	{filepath.Join("dist", "v1", "providers"), ".json"},
	{filepath.Join("v1", "providers"), ".yaml"},
}

// Store loads provider manifests from disk, validates them, promotes
// their capabilities and caches the result. Lookups are cheap after
// the first load; Reload and the watcher replace entries atomically.
type Store struct {
	bases     []string
	validator *Validator
	noSchema  bool
	strict    bool
	disabled  map[string]bool
	logger    *slog.Logger
	cache     *registry.BaseRegistry[*Manifest]
}

type StoreOption func(*Store)

// WithBaseDir adds a directory to probe for manifests. May be given
// more than once; explicit directories suppress the env and dev-tree
// resolution.
func WithBaseDir(dir string) StoreOption {
	return func(s *Store) {
		s.bases = append(s.bases, dir)
	}
}

// WithValidator replaces the default schema validator.
func WithValidator(v *Validator) StoreOption {
	return func(s *Store) {
		s.validator = v
	}
}

// WithoutSchema skips JSON schema validation, keeping only the
// structural checks.
func WithoutSchema() StoreOption {
	return func(s *Store) {
		s.noSchema = true
	}
}

// WithStrictStreaming rejects streaming-capable manifests that do not
// fully describe their decode path.
func WithStrictStreaming() StoreOption {
	return func(s *Store) {
		s.strict = true
	}
}

func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithDisabledFeatures turns off runtime feature groups (see
// Capability.Feature). Requests exercising a capability whose group is
// disabled are rejected before any I/O. All groups are enabled by
// default.
func WithDisabledFeatures(groups ...string) StoreOption {
	return func(s *Store) {
		if s.disabled == nil {
			s.disabled = make(map[string]bool, len(groups))
		}
		for _, g := range groups {
			s.disabled[g] = true
		}
	}
}

// FeatureEnabled reports whether a feature group is enabled. The empty
// group (ungated capabilities) is always enabled, as is every group on
// a nil store.
func (s *Store) FeatureEnabled(group string) bool {
	if s == nil || group == "" {
		return true
	}
	return !s.disabled[group]
}

// NewStore builds a store. Base directories resolve in order: explicit
// options, then AI_PROTOCOL_DIR, then AI_PROTOCOL_PATH, then the
// ai-protocol dev trees relative to the working directory.
func NewStore(opts ...StoreOption) (*Store, error) {
	s := &Store{
		logger: slog.Default(),
		cache:  registry.NewBaseRegistry[*Manifest](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bases = resolveBases(s.bases)

	if s.validator == nil && !s.noSchema {
		v, err := schemaForBases(s.bases)
		if err != nil {
			return nil, err
		}
		s.validator = v
	}
	return s, nil
}

func resolveBases(explicit []string) []string {
	if len(explicit) > 0 {
		return explicit
	}
	if dir := os.Getenv(EnvProtocolDir); dir != "" {
		return []string{dir}
	}
	if dir := os.Getenv(EnvProtocolPath); dir != "" {
		return []string{dir}
	}
	var bases []string
	for _, probe := range []string{"ai-protocol", filepath.Join("..", "ai-protocol"), filepath.Join("..", "..", "ai-protocol")} {
		if info, err := os.Stat(probe); err == nil && info.IsDir() {
			bases = append(bases, probe)
		}
	}
	return bases
}

// schemaForBases honors a schemas/v1.json override in the first base
// that carries one, else compiles the embedded schema.
func schemaForBases(bases []string) (*Validator, error) {
	for _, base := range bases {
		override := filepath.Join(base, "schemas", "v1.json")
		if _, err := os.Stat(override); err == nil {
			return NewValidatorFromFile(override)
		}
	}
	return NewValidator()
}

// Load returns the manifest for a provider id, reading it from disk on
// first use. A manifest that exists but fails to parse or validate is
// a hard error; only a missing manifest reports not_found.
func (s *Store) Load(providerID string) (*Manifest, error) {
	if m, ok := s.cache.Get(providerID); ok {
		return m, nil
	}
	m, path, err := s.loadFromDisk(providerID)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("loaded manifest", "provider", providerID, "path", path)
	s.cache.Set(providerID, m)
	return m, nil
}

func (s *Store) loadFromDisk(providerID string) (*Manifest, string, error) {
	path, data, err := s.readSource(providerID)
	if err != nil {
		return nil, "", err
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load manifest %s from %s: %w", providerID, path, err)
	}
	if err := s.validate(m); err != nil {
		return nil, "", err
	}
	m.Capabilities = m.Capabilities.Promote()
	return m, path, nil
}

func (s *Store) readSource(providerID string) (string, []byte, error) {
	for _, base := range s.bases {
		for _, layout := range sourceLayouts {
			path := filepath.Join(base, layout.dir, providerID+layout.ext)
			data, err := os.ReadFile(path)
			if err == nil {
				return path, data, nil
			}
			if !os.IsNotExist(err) {
				return "", nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
			}
		}
	}
	return "", nil, errcode.Newf(errcode.CodeNotFound, "no manifest found for provider %q", providerID)
}

func (s *Store) validate(m *Manifest) error {
	if s.validator != nil && !s.noSchema {
		if err := s.validator.Validate(m); err != nil {
			return err
		}
	} else if err := m.Validate(); err != nil {
		return err
	}
	if s.strict {
		return m.validateStrictStreaming()
	}
	return nil
}

// Put validates, promotes and caches a manifest built in memory.
// Embedders use it to serve manifests that never touch disk.
func (s *Store) Put(m *Manifest) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("manifest must carry an id")
	}
	m.SetDefaults()
	if err := s.validate(m); err != nil {
		return err
	}
	m.Capabilities = m.Capabilities.Promote()
	s.cache.Set(m.ID, m)
	return nil
}

// Reload drops the cached entry and reads the manifest from disk
// again. The cached copy survives when the re-read fails.
func (s *Store) Reload(providerID string) (*Manifest, error) {
	m, path, err := s.loadFromDisk(providerID)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("reloaded manifest", "provider", providerID, "path", path)
	s.cache.Set(providerID, m)
	return m, nil
}

// Invalidate evicts a cached manifest, forcing the next Load to hit
// the disk.
func (s *Store) Invalidate(providerID string) {
	_ = s.cache.Remove(providerID)
}

// Cached returns the loaded manifests.
func (s *Store) Cached() []*Manifest {
	return s.cache.List()
}

// Names returns the cached provider ids, sorted.
func (s *Store) Names() []string {
	return s.cache.Names()
}

// Discover scans the base directories and reports every provider id a
// manifest file exists for, sorted and deduplicated.
func (s *Store) Discover() ([]string, error) {
	seen := map[string]bool{}
	for _, base := range s.bases {
		for _, layout := range sourceLayouts {
			entries, err := os.ReadDir(filepath.Join(base, layout.dir))
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("failed to scan %s: %w", filepath.Join(base, layout.dir), err)
			}
			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}
				name := entry.Name()
				switch {
				case strings.HasSuffix(name, ".json"):
					seen[strings.TrimSuffix(name, ".json")] = true
				case strings.HasSuffix(name, ".yaml"):
					seen[strings.TrimSuffix(name, ".yaml")] = true
				case strings.HasSuffix(name, ".yml"):
					seen[strings.TrimSuffix(name, ".yml")] = true
				}
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
