// Package profile manages per-profile configuration and directory layout.
//
// Each profile owns three directories under the host's data root: logs
// (audit), trust (rule store), and memory (transcripts). Profile settings
// are a small YAML file beside them.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/wardenhost/warden/pkg/audit"
	"github.com/wardenhost/warden/pkg/trust"
)

// Settings is the persisted per-profile configuration.
type Settings struct {
	ID                string      `yaml:"id" json:"id"`
	Name              string      `yaml:"name" json:"name"`
	DefaultTrustLevel trust.Level `yaml:"default_trust_level" json:"defaultTrustLevel"`
	CloudProviders    []string    `yaml:"cloud_providers,omitempty" json:"cloudProviders,omitempty"`
}

// Service resolves profile directories and settings under a data root.
type Service struct {
	mu       sync.Mutex
	root     string
	settings map[string]Settings
	audits   map[string]*audit.Log
}

// NewService creates a profile service rooted at dir.
func NewService(root string) *Service {
	return &Service{
		root:     root,
		settings: make(map[string]Settings),
		audits:   make(map[string]*audit.Log),
	}
}

func (s *Service) profileDir(profileID string) string {
	return filepath.Join(s.root, "profiles", profileID)
}

// LogsDir returns (creating if needed) the profile's log directory.
func (s *Service) LogsDir(profileID string) (string, error) {
	return s.ensureDir(profileID, "logs")
}

// TrustDir returns (creating if needed) the profile's trust directory.
func (s *Service) TrustDir(profileID string) (string, error) {
	return s.ensureDir(profileID, "trust")
}

// MemoryDir returns (creating if needed) the profile's memory directory.
func (s *Service) MemoryDir(profileID string) (string, error) {
	return s.ensureDir(profileID, "memory")
}

func (s *Service) ensureDir(profileID, name string) (string, error) {
	dir := filepath.Join(s.profileDir(profileID), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s dir for profile %s: %w", name, profileID, err)
	}
	return dir, nil
}

// Load reads the profile's settings file. A missing file yields defaults:
// ask-every-time, named after its id.
func (s *Service) Load(profileID string) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if settings, ok := s.settings[profileID]; ok {
		return settings, nil
	}

	settings := Settings{
		ID:                profileID,
		Name:              profileID,
		DefaultTrustLevel: trust.LevelAskAlways,
	}

	path := filepath.Join(s.profileDir(profileID), "profile.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.settings[profileID] = settings
			return settings, nil
		}
		return Settings{}, fmt.Errorf("load profile %s: %w", profileID, err)
	}

	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("parse profile %s: %w", profileID, err)
	}
	if settings.ID == "" {
		settings.ID = profileID
	}
	if !settings.DefaultTrustLevel.Valid() {
		return Settings{}, fmt.Errorf("profile %s: invalid trust level %d",
			profileID, settings.DefaultTrustLevel)
	}

	s.settings[profileID] = settings
	return settings, nil
}

// Save writes the profile's settings file.
func (s *Service) Save(settings Settings) error {
	if settings.ID == "" {
		return fmt.Errorf("profile id is required")
	}
	if err := os.MkdirAll(s.profileDir(settings.ID), 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal profile %s: %w", settings.ID, err)
	}
	path := filepath.Join(s.profileDir(settings.ID), "profile.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write profile %s: %w", settings.ID, err)
	}

	s.mu.Lock()
	s.settings[settings.ID] = settings
	s.mu.Unlock()
	return nil
}

// AuditLog returns the profile's audit log, opening it on first use.
// Returns nil when the log cannot be opened; audit is best-effort and the
// caller treats nil as "nowhere to write".
func (s *Service) AuditLog(profileID string) *audit.Log {
	s.mu.Lock()
	defer s.mu.Unlock()

	if log, ok := s.audits[profileID]; ok {
		return log
	}
	dir := filepath.Join(s.profileDir(profileID), "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil
	}
	log, err := audit.Open(dir)
	if err != nil {
		return nil
	}
	s.audits[profileID] = log
	return log
}

// TrustProfile converts settings to the evaluator's profile view.
func (s Settings) TrustProfile() trust.Profile {
	return trust.Profile{ID: s.ID, DefaultTrustLevel: s.DefaultTrustLevel}
}
