package redact

import "regexp"

// Built-in secret patterns. Each matches an entire class of credential
// material appearing inside a string value.
var secretPatterns = []*regexp.Regexp{
	// GitHub personal access tokens (classic and fine-grained)
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`),
	// AWS access key ids
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	// JWTs: three base64url parts of meaningful length
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`),
	// PEM-encoded private key blocks
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	// Database URLs carrying credentials
	regexp.MustCompile(`(?i)\b(postgres|postgresql|mysql|mongodb|redis|amqp)://[^\s:@/]+:[^\s@/]+@`),
	// Anthropic / OpenAI style API keys
	regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}`),
	// Generic password= / secret= assignments
	regexp.MustCompile(`(?i)\b(password|secret)\s*=\s*\S+`),
}

var pemBlockPattern = regexp.MustCompile(
	`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`)

// MatchesSecretPattern reports whether s contains any built-in secret shape.
func MatchesSecretPattern(s string) bool {
	for _, p := range secretPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// redactPEMBlocks replaces whole PEM private key blocks, which span lines
// and would escape a line-wise scan.
func redactPEMBlocks(s string) string {
	return pemBlockPattern.ReplaceAllString(s, Redacted)
}
