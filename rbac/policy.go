// Package rbac maps named actions to the roles and specialty tags allowed to
// perform them, and checks verified claims against that map.
package rbac

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/PaulFidika/clinicauth/core"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultPolicyPath is used when no path is configured.
const DefaultPolicyPath = "rbac_policies.json"

// Policy lists who may perform one action. A caller needs a listed role and,
// when SpecialtiesAny is non-empty, at least one of those specialties.
type Policy struct {
	Roles          []string `json:"roles" yaml:"roles"`
	SpecialtiesAny []string `json:"specialties_any,omitempty" yaml:"specialties_any,omitempty"`
}

// PolicyMap maps action name to policy. It is never mutated after load.
type PolicyMap map[string]Policy

// Load lets a fixed map serve as a policy source.
func (m PolicyMap) Load() (PolicyMap, error) { return m, nil }

// Actions returns the action names in sorted order.
func (m PolicyMap) Actions() []string {
	out := make([]string, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Format names a policy document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the encoding from the file extension; JSON unless .yaml/.yml.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// ParsePolicies decodes a policy document. The top level must be a mapping of
// action name to policy object.
// An empty or null document is rejected; write {} to deny every action.
func ParsePolicies(data []byte, format Format) (PolicyMap, error) {
	var pm PolicyMap
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &pm); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, &pm); err != nil {
			return nil, err
		}
	}
	if pm == nil {
		return nil, errors.New("document must be a mapping of action name to policy, got empty or null")
	}
	for action := range pm {
		if strings.TrimSpace(action) == "" {
			return nil, errors.New("empty action name")
		}
	}
	return pm, nil
}

// Store loads a policy document once and serves the cached map until Reload.
// A missing document yields an empty map, which denies every action.
type Store struct {
	path string
	log  *logrus.Entry

	mu     sync.RWMutex
	loaded bool
	cur    PolicyMap
}

// NewStore returns a store for path (DefaultPolicyPath when empty). Nothing is read yet.
func NewStore(path string, log *logrus.Entry) *Store {
	if path == "" {
		path = DefaultPolicyPath
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{path: path, log: log.WithField("component", "rbac_store")}
}

// Path returns the policy source location.
func (s *Store) Path() string { return s.path }

// Load returns the cached map, reading the source on first use. A malformed
// source is a core.KindConfig error and is not cached, so a fixed file can be
// loaded by the next call.
func (s *Store) Load() (PolicyMap, error) {
	s.mu.RLock()
	if s.loaded {
		pm := s.cur
		s.mu.RUnlock()
		return pm, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.cur, nil
	}
	return s.readLocked()
}

// Reload rereads the source. On error the previously loaded map stays in effect.
func (s *Store) Reload() (PolicyMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *Store) readLocked() (PolicyMap, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.WithField("path", s.path).Warn("policy file not found; every action will be denied")
		s.cur, s.loaded = PolicyMap{}, true
		return s.cur, nil
	}
	if err != nil {
		return nil, core.ConfigError(s.path, fmt.Errorf("read: %w", err))
	}
	pm, err := ParsePolicies(data, FormatFromPath(s.path))
	if err != nil {
		return nil, core.ConfigError(s.path, err)
	}
	s.cur, s.loaded = pm, true
	s.log.WithFields(logrus.Fields{"path": s.path, "actions": len(pm)}).Info("policies loaded")
	return pm, nil
}
