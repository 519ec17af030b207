// Package conversion implements the Conversion Agent (C5): metadata
// validation, format detection, the conversion run, and the
// user-approved reconversion loop.
package conversion

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/nwbconvert/kernel/pkg/kernerr"
	"github.com/nwbconvert/kernel/pkg/session"
)

// ApprovedSpecies is the species taxonomy whitelist metadata validation
// checks against. A real deployment would
// load this from NCBI Taxonomy or a lab-specific list; this is the small
// fixed set common in rodent/primate electrophysiology labs.
var ApprovedSpecies = map[string]struct{}{
	"Mus musculus":            {},
	"Rattus norvegicus":       {},
	"Macaca mulatta":          {},
	"Macaca fascicularis":     {},
	"Homo sapiens":            {},
	"Drosophila melanogaster": {},
}

var subjectIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// FieldError is one offending-field validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidateMetadata checks the required-field and format rules and
// returns the metadata as given (no normalization is applied) plus every
// field error found (not just the first), so the caller can present them
// all to the user at once.
func ValidateMetadata(m session.Metadata) (session.Metadata, []FieldError) {
	var errs []FieldError

	if m.SubjectID == "" {
		errs = append(errs, FieldError{"subject_id", "subject_id is required"})
	} else if !subjectIDPattern.MatchString(m.SubjectID) {
		errs = append(errs, FieldError{"subject_id", "subject_id must be alphanumeric (with - or _)"})
	}

	if m.Species == "" {
		errs = append(errs, FieldError{"species", "species is required"})
	} else if _, ok := ApprovedSpecies[m.Species]; !ok {
		errs = append(errs, FieldError{"species", fmt.Sprintf("species %q is not in the approved taxonomy", m.Species)})
	}

	if m.SessionDescription == "" {
		errs = append(errs, FieldError{"session_description", "session_description is required"})
	}

	if m.SessionStartTime == "" {
		errs = append(errs, FieldError{"session_start_time", "session_start_time is required"})
	} else if _, err := time.Parse(time.RFC3339, m.SessionStartTime); err != nil {
		errs = append(errs, FieldError{"session_start_time", "session_start_time must be ISO-8601 UTC (RFC3339)"})
	}

	sort.Slice(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return m, errs
}

// ValidationErrorEnvelope builds the structured kernerr.Envelope for
// metadata validation failures that must be raised (e.g. from
// the bus handler, as opposed to the Conversation Agent's user-facing
// re-prompt path).
func ValidationErrorEnvelope(sessionID string, errs []FieldError) error {
	fields := make([]map[string]any, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, map[string]any{"field": e.Field, "message": e.Message})
	}
	return kernerr.New("conversion_agent", kernerr.CodeValidationError, "metadata validation failed",
		map[string]any{"session_id": sessionID, "fields": fields})
}

// ApprovedSpeciesList returns the taxonomy as a sorted slice, useful for
// surfacing the allowed values in a user-facing error message.
func ApprovedSpeciesList() []string {
	out := make([]string, 0, len(ApprovedSpecies))
	for s := range ApprovedSpecies {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
