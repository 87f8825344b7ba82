package killswitch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/vpnctl/common"
)

// persistedState is what Restore needs to re-engage after a reboot.
type persistedState struct {
	Hosts       []HostEntry `yaml:"hosts,omitempty"`
	Remote      []string    `yaml:"remote"`
	Local       []string    `yaml:"local,omitempty"`
	DisplayName string      `yaml:"display_name,omitempty"`
	EngagedAt   time.Time   `yaml:"engaged_at"`
}

func maskStrings(masks []AddressMask) []string {
	out := make([]string, len(masks))
	for i, m := range masks {
		out[i] = m.String()
	}
	return out
}

// stateFile stores persistedState as YAML.
type stateFile struct {
	path string
}

func (s *stateFile) save(st persistedState) error {
	data, err := yaml.Marshal(&st)
	if err != nil {
		return fmt.Errorf("encode killswitch state: %w", err)
	}
	return common.WriteFileAtomic(s.path, data, 0600)
}

// load returns nil when no state was saved.
func (s *stateFile) load() (*persistedState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st persistedState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode killswitch state: %w", err)
	}
	return &st, nil
}

func (s *stateFile) remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
