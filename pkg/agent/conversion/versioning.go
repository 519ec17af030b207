package conversion

import (
	"fmt"
	"regexp"
	"strings"
)

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// BaseName derives the "<base>" component of the output filename from
// the subject id (or a user-specified name override).
func BaseName(subjectID, override string) string {
	name := override
	if name == "" {
		name = subjectID
	}
	name = nonAlnum.ReplaceAllString(name, "_")
	if name == "" {
		name = "session"
	}
	return name
}

// OutputFilename builds "<base>_attempt<N>_<sha256_prefix_8>.nwb". Every
// attempt carries both suffixes so all attempts of a session coexist on
// disk unambiguously until reset.
func OutputFilename(base string, attemptNumber int, checksumHex string) string {
	prefix := checksumHex
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("%s_attempt%d_%s.nwb", base, attemptNumber, prefix)
}

// sanitizeComponent is a defensive helper for interface names used in
// working/temp filenames during conversion.
func sanitizeComponent(s string) string {
	return strings.ToLower(nonAlnum.ReplaceAllString(s, "_"))
}
