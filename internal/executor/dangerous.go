package executor

import (
	"regexp"
	"strings"
)

// dangerousPatterns match commands that can destroy the host. The gate
// is a guard rail against typos and copy-paste accidents, not a
// sandbox.
var dangerousPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`(^|\s)rm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+(/|/\*)(\s|$)`), "recursive delete of the filesystem root"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;?\s*:`), "fork bomb"},
	{regexp.MustCompile(`(^|\s)mkfs(\.[a-z0-9]+)?\s`), "filesystem format"},
	{regexp.MustCompile(`(^|\s)dd\s+[^|;]*of=/dev/(sd|hd|nvme|vd|xvd)`), "raw write to a block device"},
	{regexp.MustCompile(`>\s*/dev/(sd|hd|nvme|vd|xvd)`), "redirect onto a block device"},
}

// CheckDangerous reports the first dangerous construct found in the
// command, if any. Both job submission and execution admit call it.
func CheckDangerous(command string) (string, bool) {
	normalized := strings.Join(strings.Fields(command), " ")
	for _, p := range dangerousPatterns {
		if p.re.MatchString(normalized) {
			return p.desc, true
		}
	}
	return "", false
}
