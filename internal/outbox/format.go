package outbox

import (
	"fmt"
	"strings"
)

// DefaultMaxCommentChars keeps a 536-char margin below the upstream
// comment limit of 65536.
const DefaultMaxCommentChars = 65000

const truncationNotice = "\n\n_…truncated to fit the comment size limit._"

// Section is one unit of a structured comment: a short summary line and
// an optional collapsible details block.
type Section struct {
	Summary string
	Details string
}

// BuildComment renders sections in order into a single comment body.
// Details render inside collapsible blocks. When the body exceeds max,
// details sections are dropped last-first before summaries are cut, and
// a truncation notice is appended.
func BuildComment(sections []Section, max int) string {
	if max <= 0 {
		max = DefaultMaxCommentChars
	}
	body := render(sections)
	if len(body) <= max {
		return body
	}

	// Drop details blocks from the end until the body fits.
	trimmed := make([]Section, len(sections))
	copy(trimmed, sections)
	for i := len(trimmed) - 1; i >= 0; i-- {
		if trimmed[i].Details == "" {
			continue
		}
		trimmed[i].Details = ""
		body = render(trimmed) + truncationNotice
		if len(body) <= max {
			return body
		}
	}

	// Still too large on summaries alone: hard cut.
	body = render(trimmed)
	cut := max - len(truncationNotice)
	if cut < 0 {
		cut = 0
	}
	if len(body) > cut {
		body = body[:cut]
	}
	return body + truncationNotice
}

func render(sections []Section) string {
	var sb strings.Builder
	for i, s := range sections {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(s.Summary)
		if s.Details != "" {
			sb.WriteString(fmt.Sprintf("\n\n<details>\n<summary>Details</summary>\n\n%s\n\n</details>", s.Details))
		}
	}
	return sb.String()
}
