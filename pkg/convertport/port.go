// Package convertport is the contract the Conversion Agent programs
// against for the underlying conversion library, an external
// collaborator providing format auto-detection, interface
// instantiation, and NWB writing. Nothing in this package
// performs real format detection or writes NWB files; that lives outside
// this core, behind whatever concrete adapter wires a real conversion
// library (e.g. NeuroConv) in.
package convertport

import "context"

// CandidateInterface is one plausible conversion interface the library's
// auto-detect surfaced for a directory, with its confidence score.
type CandidateInterface struct {
	InterfaceName string
	Confidence    float64 // 0..1
}

// TechnicalMetadata is what the library auto-extracts from the raw
// recording: sampling rate, channel count, duration,
// dtype. It is reported back in ConvertResult after a run; the Conversion
// Agent does not merge it into ConvertRequest.Metadata.
type TechnicalMetadata struct {
	SamplingRateHz float64
	ChannelCount   int
	DurationSec    float64
	DType          string
}

// ConvertRequest bundles everything the library needs to run one attempt.
type ConvertRequest struct {
	InputPath     string
	InterfaceName string
	OutputPath    string
	Metadata      map[string]string // built-in auto-fix values overridden by user metadata and user inputs (no technical metadata), string-keyed for the library's API
}

// ConvertResult is what a successful conversion run reports back.
type ConvertResult struct {
	OutputPath string
	Technical  TechnicalMetadata
}

// Port is the conversion library contract.
type Port interface {
	// DetectFormat scans inputPath and returns plausible interfaces ranked
	// by confidence.
	DetectFormat(ctx context.Context, inputPath string) ([]CandidateInterface, error)

	// Convert instantiates the named interface and writes an NWB file.
	// LibraryError is returned verbatim as the original library's error
	// text must be preserved.
	Convert(ctx context.Context, req ConvertRequest) (ConvertResult, error)
}

// LibraryError wraps the underlying conversion library's original error
// text untouched so failures preserve it verbatim.
type LibraryError struct {
	Op      string // e.g. "detect_format", "convert"
	Library string // underlying library/tool name
	Text    string // library's original error text, verbatim
}

func (e *LibraryError) Error() string {
	return e.Library + " " + e.Op + ": " + e.Text
}
