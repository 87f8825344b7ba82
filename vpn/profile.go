package vpn

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/yllada/vpnctl/common"
	"github.com/yllada/vpnctl/process"
)

// Profile is a saved connection target.
type Profile struct {
	// ID is a unique identifier for the profile (UUID format).
	ID string `yaml:"id"`
	// Name is a human-readable name for the profile.
	Name string `yaml:"name"`
	// Hostname is the VPN server.
	Hostname string `yaml:"hostname"`
	// ConfigPath is an optional OpenVPN configuration file.
	ConfigPath string `yaml:"config_path,omitempty"`
	// Protocol is the OpenVPN transport, "udp" or "tcp".
	Protocol string `yaml:"protocol,omitempty"`
	// Port overrides the OpenVPN port.
	Port int `yaml:"port,omitempty"`
	// ConnectionTypes is the dial order, e.g. ["openvpn", "ikev2"]. Empty
	// means every available type.
	ConnectionTypes []string `yaml:"connection_types,omitempty"`
	// Username is used when the credential store holds only a password.
	Username    string    `yaml:"username,omitempty"`
	AutoConnect bool      `yaml:"auto_connect"`
	Created     time.Time `yaml:"created"`
	LastUsed    time.Time `yaml:"last_used,omitempty"`
}

// Validate checks if the profile has all required fields.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", common.ErrInvalidProfile)
	}
	if p.Hostname == "" {
		return fmt.Errorf("%w: hostname is required", common.ErrInvalidProfile)
	}
	switch strings.ToLower(p.Protocol) {
	case "", "udp", "tcp", "tcp-client":
	default:
		return fmt.Errorf("%w: protocol %q", common.ErrInvalidProfile, p.Protocol)
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("%w: port %d", common.ErrInvalidProfile, p.Port)
	}
	if _, err := p.Types(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidProfile, err)
	}
	return nil
}

// Types parses ConnectionTypes.
func (p *Profile) Types() ([]ConnectionType, error) {
	out := make([]ConnectionType, 0, len(p.ConnectionTypes))
	for _, s := range p.ConnectionTypes {
		t, err := ParseConnectionType(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Request builds a connect request for t carrying the profile as context.
func (p *Profile) Request(t ConnectionType) Request {
	return Request{Type: t, Hostname: p.Hostname, Context: p.ID}
}

// OpenVPNOptions returns the profile's custom OpenVPN options.
func (p *Profile) OpenVPNOptions() process.Options {
	var opts []process.Option
	if p.ConfigPath != "" {
		opts = append(opts, process.Option{Key: "config", Value: p.ConfigPath})
	}
	if p.Protocol != "" {
		opts = append(opts, process.Option{Key: "proto", Value: strings.ToLower(p.Protocol)})
	}
	if p.Port != 0 {
		opts = append(opts, process.Option{Key: "port", Value: strconv.Itoa(p.Port)})
	}
	return process.NewOptions(opts...)
}

// ProfileManager loads and stores profiles in a YAML file.
type ProfileManager struct {
	mu         sync.Mutex
	profiles   []*Profile
	configDir  string
	configFile string
}

// NewProfileManager opens the profile store in dir, or in the application
// config directory when dir is empty.
func NewProfileManager(dir string) (*ProfileManager, error) {
	if dir == "" {
		var err error
		if dir, err = common.GetConfigDir(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	pm := &ProfileManager{
		configDir:  dir,
		configFile: filepath.Join(dir, common.ProfilesFileName),
	}
	if err := pm.Load(); err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	return pm, nil
}

// Load loads profiles from the configuration file.
// A missing file means no profiles yet.
func (pm *ProfileManager) Load() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	data, err := os.ReadFile(pm.configFile)
	if err != nil {
		if os.IsNotExist(err) {
			pm.profiles = nil
			return nil
		}
		return fmt.Errorf("failed to read profiles file: %w", err)
	}

	var profiles []*Profile
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return fmt.Errorf("failed to parse profiles file: %w", err)
	}
	pm.profiles = profiles
	return nil
}

func (pm *ProfileManager) saveLocked() error {
	data, err := yaml.Marshal(pm.profiles)
	if err != nil {
		return fmt.Errorf("failed to serialize profiles: %w", err)
	}
	if err := common.WriteFileAtomic(pm.configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write profiles file: %w", err)
	}
	return nil
}

// Add validates profile, assigns an ID and copies its OpenVPN config into
// the application directory.
func (pm *ProfileManager) Add(profile *Profile) error {
	if err := profile.Validate(); err != nil {
		return err
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	for _, p := range pm.profiles {
		if strings.EqualFold(p.Name, profile.Name) {
			return common.ErrDuplicateName
		}
	}
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	profile.Created = time.Now()

	if profile.ConfigPath != "" {
		if err := validateConfigFile(profile.ConfigPath); err != nil {
			return err
		}
		configsDir := filepath.Join(pm.configDir, "configs")
		if err := os.MkdirAll(configsDir, 0700); err != nil {
			return fmt.Errorf("failed to create configs directory: %w", err)
		}
		dest := filepath.Join(configsDir, profile.ID+".ovpn")
		if err := copyFile(profile.ConfigPath, dest); err != nil {
			return fmt.Errorf("failed to copy config file: %w", err)
		}
		profile.ConfigPath = dest
	}

	pm.profiles = append(pm.profiles, profile)
	return pm.saveLocked()
}

// Remove deletes a profile and its copied config file.
func (pm *ProfileManager) Remove(id string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for i, profile := range pm.profiles {
		if profile.ID != id {
			continue
		}
		if profile.ConfigPath != "" && strings.HasPrefix(profile.ConfigPath, pm.configDir) {
			if err := os.Remove(profile.ConfigPath); err != nil && !os.IsNotExist(err) {
				common.LogWarn("Failed to remove %s: %v", profile.ConfigPath, err)
			}
		}
		pm.profiles = append(pm.profiles[:i], pm.profiles[i+1:]...)
		return pm.saveLocked()
	}
	return common.ErrProfileNotFound
}

// Get retrieves a profile by ID.
func (pm *ProfileManager) Get(id string) (*Profile, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, profile := range pm.profiles {
		if profile.ID == id {
			return profile, nil
		}
	}
	return nil, common.ErrProfileNotFound
}

// Find retrieves a profile by ID, case-insensitive name, or an unambiguous
// ID prefix such as the short ID printed by listings.
func (pm *ProfileManager) Find(idOrName string) (*Profile, error) {
	if p, err := pm.Get(idOrName); err == nil {
		return p, nil
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, profile := range pm.profiles {
		if strings.EqualFold(profile.Name, idOrName) {
			return profile, nil
		}
	}
	var match *Profile
	if idOrName != "" {
		for _, profile := range pm.profiles {
			if strings.HasPrefix(profile.ID, strings.ToLower(idOrName)) {
				if match != nil {
					return nil, fmt.Errorf("%w: %q matches several profiles", common.ErrProfileNotFound, idOrName)
				}
				match = profile
			}
		}
	}
	if match != nil {
		return match, nil
	}
	return nil, common.ErrProfileNotFound
}

// List returns all profiles.
func (pm *ProfileManager) List() []*Profile {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return append([]*Profile(nil), pm.profiles...)
}

// MarkUsed updates the LastUsed timestamp for a profile.
func (pm *ProfileManager) MarkUsed(id string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, profile := range pm.profiles {
		if profile.ID == id {
			profile.LastUsed = time.Now()
			return pm.saveLocked()
		}
	}
	return common.ErrProfileNotFound
}

// validateConfigFile checks that path looks like an OpenVPN client config.
func validateConfigFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidConfig, err)
	}
	if info.IsDir() {
		return common.ErrInvalidConfig
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".ovpn" && ext != ".conf" {
		return fmt.Errorf("%w: expected .ovpn or .conf extension", common.ErrInvalidConfig)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	content := string(data)
	if !strings.Contains(content, "remote") && !strings.Contains(content, "client") {
		return fmt.Errorf("%w: missing required OpenVPN directives", common.ErrInvalidConfig)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return common.WriteFileAtomic(dst, data, 0600)
}

// IsProfileNotFound reports whether err means the profile does not exist.
func IsProfileNotFound(err error) bool {
	return errors.Is(err, common.ErrProfileNotFound)
}
