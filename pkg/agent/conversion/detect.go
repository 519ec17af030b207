package conversion

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nwbconvert/kernel/pkg/convertport"
	"github.com/nwbconvert/kernel/pkg/kernerr"
	"github.com/nwbconvert/kernel/pkg/prompt"
)

// SelectInterface picks the conversion interface:
// if more than one candidate is plausible, consult the LLM via
// format_detection; if the LLM port is unavailable, fall back to the
// highest-confidence candidate rather than failing the conversion.
func SelectInterface(ctx context.Context, prompts *prompt.Service, directoryListing string, candidates []convertport.CandidateInterface) (string, error) {
	if len(candidates) == 0 {
		return "", kernerr.New("conversion_agent", kernerr.CodeConversionError,
			"no candidate interfaces returned by format auto-detection", nil)
	}
	if len(candidates) == 1 {
		return candidates[0].InterfaceName, nil
	}

	sorted := append([]convertport.CandidateInterface(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	out, err := prompts.Invoke(ctx, prompt.TemplateFormatDetection, map[string]any{
		"directory_listing": directoryListing,
		"candidates":        candidateLines(sorted),
	})
	if err != nil {
		if isLLMUnavailable(err) {
			return sorted[0].InterfaceName, nil
		}
		return "", err
	}

	selected, _ := out["selected_interface"].(string)
	for _, c := range sorted {
		if c.InterfaceName == selected {
			return c.InterfaceName, nil
		}
	}
	return sorted[0].InterfaceName, nil
}

func candidateLines(candidates []convertport.CandidateInterface) string {
	lines := make([]string, 0, len(candidates))
	for _, c := range candidates {
		lines = append(lines, fmt.Sprintf("%s (%.2f)", c.InterfaceName, c.Confidence))
	}
	return strings.Join(lines, "\n")
}

// isLLMUnavailable reports whether err (or anything it wraps) is a
// kernerr.Envelope carrying CodeLLMUnavailable, the condition that
// permits falling back to the highest-confidence candidate.
func isLLMUnavailable(err error) bool {
	for err != nil {
		if e, ok := err.(*kernerr.Envelope); ok && e.ErrorCode == kernerr.CodeLLMUnavailable {
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
