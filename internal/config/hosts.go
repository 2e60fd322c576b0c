package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/slashfoo/poh/internal/pathutil"
)

// Host represents a resolved SSH host with connection details.
type Host struct {
	Name         string // Display/identity label (original input, e.g. "admin@server1")
	Hostname     string // Actual SSH hostname to connect to (e.g. "server1")
	User         string
	Port         int
	IdentityFile string
	ProxyJump    string
	Timeout      time.Duration
}

// ResolveHosts resolves server entries into connection details. Each
// entry may use the user@host form; remaining fields are filled from
// the active ssh_config settings. The entry order is preserved.
func ResolveHosts(servers []string, settings *SSHSettings) []Host {
	hosts := make([]Host, 0, len(servers))
	for _, name := range servers {
		host := Host{Name: name, Hostname: name, Port: 22}

		// Parse user@host syntax. Name stays as the original string
		// for display and artifact file naming.
		if user, hostname, ok := parseUserAtHost(name); ok {
			host.Hostname = hostname
			host.User = user
		}

		mergeSSHConfig(&host, settings)
		hosts = append(hosts, host)
	}
	return hosts
}

// mergeSSHConfig fills in Hostname, User, Port, IdentityFile, and
// ProxyJump from ssh_config for fields not already set. Lookups use the
// alias as entered (minus any user@ prefix), the way ssh does.
func mergeSSHConfig(host *Host, settings *SSHSettings) {
	alias := host.Hostname
	if alias == "" {
		alias = host.Name
	}

	if hostname := settings.Get(alias, "Hostname"); hostname != "" {
		host.Hostname = hostname
	}

	if host.User == "" {
		if user := settings.Get(alias, "User"); user != "" {
			host.User = user
		}
	}

	if host.Port == 22 {
		if portStr := settings.Get(alias, "Port"); portStr != "" {
			if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
				host.Port = port
			}
		}
	}

	if host.IdentityFile == "" {
		// ssh_config reports a default identity path even when the
		// directive is absent, so only keep files that actually exist.
		if identity := settings.Get(alias, "IdentityFile"); identity != "" {
			expanded := pathutil.ExpandHome(identity)
			if _, err := os.Stat(expanded); err == nil {
				host.IdentityFile = expanded
			}
		}
	}

	if host.ProxyJump == "" {
		if proxy := settings.Get(alias, "ProxyJump"); proxy != "" {
			host.ProxyJump = proxy
		}
	}
}

// parseUserAtHost splits "user@host" into its components.
// Returns ("", "", false) if the input doesn't contain @ or if the user part is empty.
func parseUserAtHost(s string) (user, host string, ok bool) {
	i := strings.Index(s, "@")
	if i <= 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
