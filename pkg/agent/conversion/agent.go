package conversion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/nwbconvert/kernel/pkg/bus"
	"github.com/nwbconvert/kernel/pkg/convertport"
	"github.com/nwbconvert/kernel/pkg/kernerr"
	"github.com/nwbconvert/kernel/pkg/nwbport"
	"github.com/nwbconvert/kernel/pkg/prompt"
	"github.com/nwbconvert/kernel/pkg/session"
)

// Actions the Conversion Agent declares to the bus.
const (
	ActionCollectMetadata          = "collect_metadata"
	ActionConvertFile              = "convert_file"
	ActionReconvertWithCorrections = "reconvert_with_corrections"
)

// Agent implements the Conversion Agent (C5).
type Agent struct {
	convert   convertport.Port
	nwb       nwbport.Port
	prompts   *prompt.Service
	store     *session.Store
	outputDir string
	log       *slog.Logger
}

// New builds a Conversion Agent.
func New(convert convertport.Port, nwb nwbport.Port, prompts *prompt.Service, store *session.Store, outputDir string) *Agent {
	return &Agent{convert: convert, nwb: nwb, prompts: prompts, store: store, outputDir: outputDir,
		log: slog.Default().With("component", "conversion_agent")}
}

// Handler returns the bus.AgentHandler registration for this agent.
func (a *Agent) Handler() bus.AgentHandler {
	return bus.NewAgentHandler(a.handle, ActionCollectMetadata, ActionConvertFile, ActionReconvertWithCorrections)
}

func (a *Agent) handle(action string, ctx map[string]any, snapshot *session.State) (bus.Response, error) {
	reqCtx := contextOrBackground(ctx)
	switch action {
	case ActionCollectMetadata:
		m, _ := ctx["metadata"].(session.Metadata)
		normalized, errs := ValidateMetadata(m)
		if len(errs) > 0 {
			return bus.Response{"valid": false, "errors": errs}, nil
		}
		return bus.Response{"valid": true, "metadata": normalized}, nil

	case ActionConvertFile:
		inputPath, _ := ctx["input_path"].(string)
		meta, _ := ctx["metadata"].(session.Metadata)
		result, err := a.runConversion(reqCtx, inputPath, meta, nil, snapshot.AttemptNumber+1)
		if err != nil {
			return nil, err
		}
		return bus.Response{"output_path": result.OutputPath, "attempt_number": result.AttemptNumber, "checksum": result.Checksum}, nil

	case ActionReconvertWithCorrections:
		cc, _ := ctx["correction_context"].(session.CorrectionContext)
		userInputs, _ := ctx["user_inputs"].(map[string]string)
		meta, _ := ctx["metadata"].(session.Metadata)
		result, err := a.runConversion(reqCtx, snapshot.InputPath, meta, &cc, snapshot.AttemptNumber+1, userInputs)
		if err != nil {
			return nil, err
		}
		return bus.Response{"output_path": result.OutputPath, "attempt_number": result.AttemptNumber, "checksum": result.Checksum}, nil
	}
	return nil, kernerr.New("conversion_agent", kernerr.CodeUnknownAction, "unhandled action", map[string]any{"action": action})
}

func contextOrBackground(ctx map[string]any) context.Context {
	if c, ok := ctx["ctx"].(context.Context); ok {
		return c
	}
	return context.Background()
}

// Result is what a successful conversion run reports.
type Result struct {
	OutputPath    string
	AttemptNumber int
	Checksum      string
}

// runConversion implements both convert_file (corrections==nil) and
// reconvert_with_corrections in one path; reconversion is the same run
// with correction application layered on top.
func (a *Agent) runConversion(ctx context.Context, inputPath string, userMeta session.Metadata, corrections *session.CorrectionContext, attemptNumber int, userInputs ...map[string]string) (Result, error) {
	candidates, err := a.convert.DetectFormat(ctx, inputPath)
	if err != nil {
		return Result{}, kernerr.Wrap(err, "conversion_agent", kernerr.CodeConversionError,
			"format auto-detection failed", map[string]any{"input_path": inputPath, "attempt_number": attemptNumber})
	}

	listing, _ := directoryListing(inputPath)
	interfaceName, err := SelectInterface(ctx, a.prompts, listing, candidates)
	if err != nil {
		return Result{}, err
	}

	merged, err := a.mergeMetadata(userMeta, corrections, firstOrNil(userInputs))
	if err != nil {
		return Result{}, err
	}

	base := BaseName(userMeta.SubjectID, "")
	workingPath := filepath.Join(a.outputDir, fmt.Sprintf(".%s_attempt%d_%s.nwb.tmp", base, attemptNumber, sanitizeComponent(interfaceName)))

	convResult, err := a.convert.Convert(ctx, convertport.ConvertRequest{
		InputPath:     inputPath,
		InterfaceName: interfaceName,
		OutputPath:    workingPath,
		Metadata:      merged,
	})
	if err != nil {
		return Result{}, kernerr.Wrap(err, "conversion_agent", kernerr.CodeConversionError,
			"conversion library failed", map[string]any{"input_path": inputPath, "attempt_number": attemptNumber, "interface": interfaceName})
	}

	if _, err := a.nwb.Open(ctx, convResult.OutputPath); err != nil {
		return Result{}, kernerr.Wrap(err, "conversion_agent", kernerr.CodeConversionError,
			"converted file failed the NWB schema-validity gate", map[string]any{"attempt_number": attemptNumber})
	}

	checksum, err := sha256File(convResult.OutputPath)
	if err != nil {
		return Result{}, kernerr.Wrap(err, "conversion_agent", kernerr.CodeConversionError,
			"failed to checksum output", map[string]any{"attempt_number": attemptNumber})
	}

	finalPath := filepath.Join(a.outputDir, OutputFilename(base, attemptNumber, checksum))
	if err := os.Rename(convResult.OutputPath, finalPath); err != nil {
		return Result{}, kernerr.Wrap(err, "conversion_agent", kernerr.CodeConversionError,
			"failed to finalize output path", map[string]any{"attempt_number": attemptNumber})
	}

	// attempt_number increments only on success; the working file above is
	// renamed, never overwriting a prior attempt's artifact.
	a.store.BeginAttempt()
	a.store.RecordChecksum(attemptNumber, checksum, finalPath)
	a.log.Info("conversion attempt succeeded", "attempt_number", attemptNumber, "output_path", finalPath, "interface", interfaceName)

	return Result{OutputPath: finalPath, AttemptNumber: attemptNumber, Checksum: checksum}, nil
}

func firstOrNil(m []map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m[0]
}

// mergeMetadata merges auto-fixable corrections and user-supplied
// values with the rule that user values take precedence when both are
// present.
func (a *Agent) mergeMetadata(userMeta session.Metadata, corrections *session.CorrectionContext, userInputs map[string]string) (map[string]string, error) {
	merged := map[string]string{}
	if corrections != nil {
		for _, fix := range BuiltinAutoFixes(corrections.AutoFixableIssues) {
			merged[fix.Field] = fix.Value
		}
	}

	user := metadataToMap(userMeta)
	if err := mergo.Merge(&merged, user, mergo.WithOverride); err != nil {
		return nil, kernerr.Wrap(err, "conversion_agent", kernerr.CodeConversionError, "metadata merge failed", nil)
	}
	if err := mergo.Merge(&merged, userInputs, mergo.WithOverride); err != nil {
		return nil, kernerr.Wrap(err, "conversion_agent", kernerr.CodeConversionError, "metadata merge failed", nil)
	}
	return merged, nil
}

func metadataToMap(m session.Metadata) map[string]string {
	out := map[string]string{}
	add := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	add("subject_id", m.SubjectID)
	add("species", m.Species)
	add("session_description", m.SessionDescription)
	add("session_start_time", m.SessionStartTime)
	add("experimenter", m.Experimenter)
	add("institution", m.Institution)
	add("lab", m.Lab)
	add("age", m.Age)
	add("sex", m.Sex)
	add("weight", m.Weight)
	return out
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// directoryListing globs the directory for a short listing to feed the
// format_detection prompt, using doublestar so candidate files nested
// under per-channel subdirectories (common in SpikeGLX/OpenEphys layouts)
// are still grouped correctly.
func directoryListing(dir string) (string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), "**/*")
	if err != nil {
		return "", err
	}
	listing := ""
	for i, m := range matches {
		if i > 200 {
			listing += fmt.Sprintf("... (%d more files)", len(matches)-i)
			break
		}
		listing += m + "\n"
	}
	return listing, nil
}
