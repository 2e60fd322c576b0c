// Package hostlist assembles the target server list from command-line
// values and optional stdin input.
package hostlist

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Stdin is the sentinel server entry that requests reading additional
// servers from standard input.
const Stdin = "-"

// Expand flattens server flag values into individual entries, splitting
// comma-separated values. Empty entries are dropped.
func Expand(values []string) []string {
	var servers []string
	for _, v := range values {
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				servers = append(servers, s)
			}
		}
	}
	return servers
}

// Read collects server names from r, one per line. Blank lines and lines
// starting with '#' are skipped.
func Read(r io.Reader) ([]string, error) {
	var servers []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		servers = append(servers, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading server list: %w", err)
	}
	return servers, nil
}

// Merge combines server lists into a deduplicated, sorted result.
// The Stdin sentinel is removed if present.
func Merge(lists ...[]string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, list := range lists {
		for _, s := range list {
			if s == Stdin || seen[s] {
				continue
			}
			seen[s] = true
			merged = append(merged, s)
		}
	}
	sort.Strings(merged)
	return merged
}

// WantsStdin reports whether the expanded server values request stdin
// input via the "-" sentinel.
func WantsStdin(servers []string) bool {
	for _, s := range servers {
		if s == Stdin {
			return true
		}
	}
	return false
}
