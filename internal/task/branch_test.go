package task

import (
	"strings"
	"testing"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{"simple", "Fix login bug", "fix-login-bug"},
		{"uppercase", "URGENT Fix", "urgent-fix"},
		{"punctuation runs", "Add OAuth2.0 support!!!", "add-oauth2-0-support"},
		{"leading trailing junk", "  --Fix it--  ", "fix-it"},
		{"unicode collapses", "Café résumé", "caf-r-sum"},
		{"digits kept", "Bump v2 to v3", "bump-v2-to-v3"},
		{"empty", "", ""},
		{"only junk", "!!! ???", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slug(tt.title, 50); got != tt.want {
				t.Errorf("Slug(%q) = %q, want %q", tt.title, got, tt.want)
			}
		})
	}
}

func TestSlugTruncation(t *testing.T) {
	long := strings.Repeat("abcde ", 20)
	got := Slug(long, 50)
	if len(got) > 50 {
		t.Errorf("expected slug capped at 50 chars, got %d: %q", len(got), got)
	}
	if strings.HasSuffix(got, "-") || strings.HasPrefix(got, "-") {
		t.Errorf("expected trimmed hyphens after truncation, got %q", got)
	}

	// Truncation landing on a hyphen must still leave a clean tail.
	title := strings.Repeat("ab ", 17) + "zz" // hyphen at position 50
	got = Slug(title, 50)
	if strings.HasSuffix(got, "-") {
		t.Errorf("expected no trailing hyphen, got %q", got)
	}
}

func TestBranchName(t *testing.T) {
	if got := BranchName("", 42, "Fix login bug", 50); got != "task-42-fix-login-bug" {
		t.Errorf("unexpected branch: %q", got)
	}
	if got := BranchName("oc/", 42, "Fix login bug", 50); got != "oc/task-42-fix-login-bug" {
		t.Errorf("unexpected prefixed branch: %q", got)
	}
	if got := BranchName("", 7, "???", 50); got != "task-7" {
		t.Errorf("expected id-only branch for empty slug, got %q", got)
	}
}
