package tenant

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	maxSlugLength  = 40
	fallbackSlug   = "workspace"
	slugSuffixSize = 6
)

var slugSeparators = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL-safe slug from a display name: lower-cased, runs of
// non-alphanumeric characters collapsed to a single hyphen, and trimmed.
func Slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugSeparators.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLength {
		s = strings.TrimRight(s[:maxSlugLength], "-")
	}
	if s == "" {
		return fallbackSlug
	}
	return s
}

// WithSuffix appends a collision suffix to a slug.
func WithSuffix(slug, suffix string) string {
	if suffix == "" {
		return slug
	}
	return slug + "-" + suffix
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:slugSuffixSize]
}

// DisplayNameFromEmail returns the local part of an email address.
func DisplayNameFromEmail(email string) string {
	local, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	return local
}
