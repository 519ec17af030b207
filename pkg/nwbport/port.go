// Package nwbport is the contract the Evaluation Agent programs
// against for the underlying NWB validation library, an external
// collaborator that runs checks and returns structured issue lists.
// Opening the file (the schema-validity gate) and running the inspector
// are both delegated through this port; no real PyNWB/NWB-Inspector
// invocation happens inside this core.
package nwbport

import (
	"context"

	"github.com/nwbconvert/kernel/pkg/session"
)

// OpenResult is returned by Open on success: enough file-level metadata to
// populate ValidationResult.FileInfo.
type OpenResult struct {
	NWBVersion string
	Info       session.FileInfo
}

// Port is the NWB library contract: open-for-read plus inspector checks.
type Port interface {
	// Open verifies the file is readable by the NWB library — the schema
	// validity gate. A non-nil error means the file could not
	// be opened at all, which callers must translate into a synthetic
	// CRITICAL issue rather than propagating raw.
	Open(ctx context.Context, nwbPath string) (OpenResult, error)

	// Inspect runs the NWB inspector with all checks enabled and returns
	// the raw issue list. Implementations should respect
	// ctx's deadline; the Evaluation Agent enforces its time bound by
	// setting one on ctx.
	Inspect(ctx context.Context, nwbPath string) ([]session.ValidationIssue, error)
}
