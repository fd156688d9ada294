// SPDX-License-Identifier: MIT

package dispatch

import (
	"sort"
	"strings"
)

// PathMapping translates between the server-side view of a shared filesystem
// and one worker's mount point. Longest server prefix wins.
type PathMapping struct {
	ServerPrefix  string
	EncoderPrefix string
}

// PathMap is the ordered mapping set for one worker.
type PathMap []PathMapping

// NewPathMap sorts mappings longest-prefix-first so nested mounts resolve
// deterministically.
func NewPathMap(mappings []PathMapping) PathMap {
	out := append(PathMap(nil), mappings...)
	sort.Slice(out, func(i, j int) bool {
		return len(out[i].ServerPrefix) > len(out[j].ServerPrefix)
	})
	return out
}

// ToEncoder rewrites a server-side path into the worker's view. Unmapped
// paths pass through unchanged.
func (m PathMap) ToEncoder(path string) string {
	for _, e := range m {
		if strings.HasPrefix(path, e.ServerPrefix) {
			return e.EncoderPrefix + strings.TrimPrefix(path, e.ServerPrefix)
		}
	}
	return path
}

// ToServer rewrites a worker-side path back into the server's view.
func (m PathMap) ToServer(path string) string {
	for _, e := range m {
		if strings.HasPrefix(path, e.EncoderPrefix) {
			return e.ServerPrefix + strings.TrimPrefix(path, e.EncoderPrefix)
		}
	}
	return path
}

// CanReach reports whether the worker can see the given server-side path.
// Workers with no mappings are assumed co-located with the server.
func (m PathMap) CanReach(path string) bool {
	if len(m) == 0 {
		return true
	}
	for _, e := range m {
		if strings.HasPrefix(path, e.ServerPrefix) {
			return true
		}
	}
	return false
}
