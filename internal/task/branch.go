package task

import (
	"fmt"
	"strings"
)

// DefaultSlugMaxLength caps the slug portion of derived branch names.
const DefaultSlugMaxLength = 50

// Slug derives a branch-safe slug from a title: lowercase, with every run of
// characters outside [a-z0-9] collapsed to a single hyphen, truncated to
// maxLen, and stripped of leading and trailing hyphens.
func Slug(title string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultSlugMaxLength
	}

	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}

	slug := b.String()
	if len(slug) > maxLen {
		slug = slug[:maxLen]
	}
	return strings.Trim(slug, "-")
}

// BranchName derives the working branch for a task. The id makes the name
// unique; the slug makes it readable.
func BranchName(prefix string, taskID int64, title string, slugMaxLen int) string {
	slug := Slug(title, slugMaxLen)
	if slug == "" {
		return fmt.Sprintf("%stask-%d", prefix, taskID)
	}
	return fmt.Sprintf("%stask-%d-%s", prefix, taskID, slug)
}
