// Package branch validates repository URLs and git branch names, derives
// per-fork branch names from a template, and checks branches out inside a
// sandbox.
package branch

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout renders the {timestamp} placeholder.
const TimestampLayout = "20060102-150405"

// ErrValidation matches every ValidationError.
var ErrValidation = errors.New("validation error")

// ValidationError reports an unusable repository URL or branch name.
type ValidationError struct {
	Field string
	Value string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

var repoURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^https?://github\.com/[\w-]+/[\w.-]+`),
	regexp.MustCompile(`^git@github\.com:[\w-]+/[\w.-]+\.git$`),
	regexp.MustCompile(`^https?://gitlab\.com/[\w-]+/[\w.-]+`),
	regexp.MustCompile(`^https?://bitbucket\.org/[\w-]+/[\w.-]+`),
}

// ValidateRepoURL reports whether url has one of the recognized hosting
// shapes.
func ValidateRepoURL(url string) bool {
	for _, re := range repoURLPatterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

var forbiddenSubstrings = []string{" ", "~", "^", ":", "?", "*", "[", `\`, ".."}

// ValidateBranchName applies the git ref-name rules the sandbox checkout
// depends on.
func ValidateBranchName(name string) bool {
	if name == "" {
		return false
	}
	if strings.ContainsAny(name[:1], "-./") {
		return false
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".lock") {
		return false
	}
	for _, s := range forbiddenSubstrings {
		if strings.Contains(name, s) {
			return false
		}
	}
	return true
}

var disallowedRun = regexp.MustCompile(`[~^:?*\[\\\s]+`)

// SanitizeBranchName rewrites name into something ValidateBranchName
// accepts where possible. Applying it to its own output changes nothing.
// The result may be empty.
func SanitizeBranchName(name string) string {
	for {
		next := sanitizeOnce(name)
		if next == name {
			return next
		}
		name = next
	}
}

func sanitizeOnce(s string) string {
	s = disallowedRun.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-./")
	s = strings.ReplaceAll(s, "..", "-")
	s = strings.TrimSuffix(s, ".lock")
	return s
}

// Derive renders template for one fork. Placeholders: {timestamp},
// {fork} (1-based) and {index} (0-based). A template without a fork
// placeholder gets "-fork-N" appended so concurrent forks never share a
// branch.
func Derive(template string, index int, now time.Time) (string, error) {
	fork := strconv.Itoa(index + 1)
	name := template
	if !strings.Contains(name, "{fork}") && !strings.Contains(name, "{index}") {
		name += "-fork-{fork}"
	}
	name = strings.NewReplacer(
		"{timestamp}", now.Format(TimestampLayout),
		"{fork}", fork,
		"{index}", strconv.Itoa(index),
	).Replace(name)

	sanitized := SanitizeBranchName(name)
	if !ValidateBranchName(sanitized) {
		return "", &ValidationError{Field: "branch name", Value: name, Msg: "cannot be sanitized into a valid git branch"}
	}
	return sanitized, nil
}
