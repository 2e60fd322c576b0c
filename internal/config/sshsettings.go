package config

import (
	"fmt"
	"os"

	"github.com/kevinburke/ssh_config"
)

// SSHSettings resolves ssh_config directives for hosts. With a nil
// inner config it consults the standard user and system ssh_config
// files; otherwise it reads only the explicitly loaded file, matching
// the behavior of ssh -F.
type SSHSettings struct {
	cfg  *ssh_config.Config
	path string
}

// DefaultSSHSettings returns settings backed by ~/.ssh/config and
// /etc/ssh/ssh_config.
func DefaultSSHSettings() *SSHSettings {
	return &SSHSettings{}
}

// LoadSSHSettings parses the ssh_config file at path.
func LoadSSHSettings(path string) (*SSHSettings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening ssh config: %w", err)
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh config %s: %w", path, err)
	}
	return &SSHSettings{cfg: cfg, path: path}, nil
}

// Path returns the explicit config file path, or "" for the defaults.
func (s *SSHSettings) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Get looks up a directive for a host alias. Missing values and lookup
// errors both return "".
func (s *SSHSettings) Get(alias, key string) string {
	if s == nil || s.cfg == nil {
		val, err := ssh_config.GetStrict(alias, key)
		if err != nil {
			return ""
		}
		return val
	}
	val, err := s.cfg.Get(alias, key)
	if err != nil {
		return ""
	}
	return val
}
