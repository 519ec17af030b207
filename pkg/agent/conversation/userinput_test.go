package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateField(t *testing.T) {
	cases := []struct {
		name    string
		field   string
		value   string
		wantErr bool
	}{
		{"empty value", "age", "", true},
		{"valid subject id", "subject_id", "mouse_007", false},
		{"subject id with spaces", "subject_id", "mouse 007", true},
		{"approved species", "species", "Mus musculus", false},
		{"unapproved species", "species", "Felis catus", true},
		{"valid timestamp", "session_start_time", "2025-01-15T09:00:00Z", false},
		{"bad timestamp", "session_start_time", "yesterday", true},
		{"valid age", "age", "P90D", false},
		{"bad age", "age", "90 days", true},
		{"valid sex", "sex", "F", false},
		{"bad sex", "sex", "female", true},
		{"valid weight", "weight", "22.5 g", false},
		{"bad weight", "weight", "heavy", true},
		{"unknown field accepts non-empty", "custom_field", "anything", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := ValidateField(tc.field, tc.value)
			if tc.wantErr {
				assert.NotEmpty(t, msg)
			} else {
				assert.Empty(t, msg)
			}
		})
	}
}
