package persistence

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"
)

const (
	minTaskIDLength = 2
	maxTaskIDLength = 100
)

var taskIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*[a-z0-9]$`)

// Task ids become branch names and directory names, so git's special refs
// and common trunk names are refused outright.
var reservedTaskIDs = map[string]struct{}{
	"head":             {},
	"fetch_head":       {},
	"orig_head":        {},
	"merge_head":       {},
	"cherry_pick_head": {},
	"revert_head":      {},
	"stash":            {},
	"main":             {},
	"master":           {},
	"develop":          {},
	"origin":           {},
}

var forbiddenIDSubstrings = []string{"..", "/", "\\", "@{", "\x00", "\n", "\r", " "}

// ValidateTaskID checks that id is safe to use as a path segment and as part
// of a git ref.
func ValidateTaskID(id string) error {
	if len(id) < minTaskIDLength || len(id) > maxTaskIDLength {
		return fmt.Errorf("%w: task id %q must be %d-%d characters", ErrInvalidTask, id, minTaskIDLength, maxTaskIDLength)
	}
	for _, bad := range forbiddenIDSubstrings {
		if strings.Contains(id, bad) {
			return fmt.Errorf("%w: task id %q contains %q", ErrInvalidTask, id, bad)
		}
	}
	if _, ok := reservedTaskIDs[strings.ToLower(id)]; ok {
		return fmt.Errorf("%w: task id %q is a reserved git name", ErrInvalidTask, id)
	}
	if !taskIDPattern.MatchString(id) {
		return fmt.Errorf("%w: task id %q must be lowercase alphanumerics, '-' or '_', starting and ending alphanumeric", ErrInvalidTask, id)
	}
	return nil
}

// NewTaskID returns "<project>-<ulid>" in lowercase.
func NewTaskID(project string) string {
	return strings.ToLower(project) + "-" + strings.ToLower(ulid.Make().String())
}

func newReportID() string {
	return strings.ToLower(ulid.Make().String())
}
