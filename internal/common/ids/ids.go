// Package ids generates opaque entity identifiers prefixed by kind.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// Entity kind prefixes. Every row id in the store starts with one of these
// so identifiers are self-describing in logs and payloads.
const (
	PrefixUser       = "usr"
	PrefixProject    = "prj"
	PrefixRepo       = "repo"
	PrefixTask       = "task"
	PrefixRun        = "run"
	PrefixEvent      = "evt"
	PrefixArtifact   = "art"
	PrefixJob        = "job"
	PrefixInvocation = "inv"
	PrefixMessage    = "msg"
	PrefixToolCall   = "tool"
	PrefixAction     = "act"
	PrefixWrite      = "ghw"
	PrefixWorktree   = "wt"
	PrefixPolicy     = "pol"
)

// New returns a fresh identifier of the form "<prefix>_<uuid-without-dashes>".
func New(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Kind returns the prefix portion of an identifier, or "" if it has none.
func Kind(id string) string {
	i := strings.IndexByte(id, '_')
	if i <= 0 {
		return ""
	}
	return id[:i]
}

// HasKind reports whether id carries the given kind prefix.
func HasKind(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
