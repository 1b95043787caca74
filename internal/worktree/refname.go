package worktree

import (
	"fmt"
	"strings"
)

// MaxRefNameLength bounds accepted ref names.
const MaxRefNameLength = 250

// ValidateRefName checks a branch name against git ref naming rules.
func ValidateRefName(name string) error {
	if name == "" {
		return fmt.Errorf("ref name is empty")
	}
	if len(name) > MaxRefNameLength {
		return fmt.Errorf("ref name exceeds %d characters", MaxRefNameLength)
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("ref name %q has an invalid leading character", name)
	}
	if strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("ref name %q has an invalid suffix", name)
	}
	for _, seq := range []string{"..", "//", "@{"} {
		if strings.Contains(name, seq) {
			return fmt.Errorf("ref name %q contains %q", name, seq)
		}
	}
	if strings.ContainsAny(name, "~^:?*[]\\ ") {
		return fmt.Errorf("ref name %q contains a forbidden character", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("ref name %q contains a control character", name)
		}
	}
	return nil
}
