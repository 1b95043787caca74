package worktree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRefName(t *testing.T) {
	valid := []string{
		"main",
		"master",
		"feature/login-form",
		"conductor/run-run_abc123",
		"release-1.2.3",
		"hotfix_2024",
	}
	for _, name := range valid {
		assert.NoError(t, ValidateRefName(name), name)
	}

	invalid := []string{
		"",
		"-leading-dash",
		".leading-dot",
		"trailing-dot.",
		"branch.lock",
		"double..dot",
		"double//slash",
		"at@{brace",
		"til~de",
		"car^et",
		"co:lon",
		"quest?ion",
		"aster*isk",
		"brack[et",
		"brack]et",
		"back\\slash",
		"has space",
		"ctrl\x01char",
		strings.Repeat("a", MaxRefNameLength+1),
	}
	for _, name := range invalid {
		assert.Error(t, ValidateRefName(name), name)
	}
}

func TestRunBranch(t *testing.T) {
	branch := RunBranch("run_abc")
	assert.Equal(t, "conductor/run-run_abc", branch)
	assert.NoError(t, ValidateRefName(branch))
}
