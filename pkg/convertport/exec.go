package convertport

import (
	"context"
	"errors"

	"github.com/nwbconvert/kernel/pkg/execbridge"
)

// ExecPort drives a real conversion tool (e.g. a NeuroConv wrapper
// script) over the exec bridge. The tool receives {"op": ..., ...} on
// stdin and answers with the matching JSON document on stdout.
type ExecPort struct {
	Command string
}

// NewExecPort builds a Port backed by the given command line.
func NewExecPort(command string) *ExecPort {
	return &ExecPort{Command: command}
}

type detectRequest struct {
	Op        string `json:"op"`
	InputPath string `json:"input_path"`
}

type detectResponse struct {
	Candidates []struct {
		InterfaceName string  `json:"interface_name"`
		Confidence    float64 `json:"confidence"`
	} `json:"candidates"`
}

func (p *ExecPort) DetectFormat(ctx context.Context, inputPath string) ([]CandidateInterface, error) {
	var resp detectResponse
	if err := execbridge.Run(ctx, p.Command, detectRequest{Op: "detect_format", InputPath: inputPath}, &resp); err != nil {
		return nil, libraryError("detect_format", err)
	}
	out := make([]CandidateInterface, 0, len(resp.Candidates))
	for _, c := range resp.Candidates {
		out = append(out, CandidateInterface{InterfaceName: c.InterfaceName, Confidence: c.Confidence})
	}
	return out, nil
}

type convertRequest struct {
	Op            string            `json:"op"`
	InputPath     string            `json:"input_path"`
	InterfaceName string            `json:"interface_name"`
	OutputPath    string            `json:"output_path"`
	Metadata      map[string]string `json:"metadata"`
}

type convertResponse struct {
	OutputPath string `json:"output_path"`
	Technical  struct {
		SamplingRateHz float64 `json:"sampling_rate_hz"`
		ChannelCount   int     `json:"channel_count"`
		DurationSec    float64 `json:"duration_sec"`
		DType          string  `json:"dtype"`
	} `json:"technical"`
}

func (p *ExecPort) Convert(ctx context.Context, req ConvertRequest) (ConvertResult, error) {
	var resp convertResponse
	err := execbridge.Run(ctx, p.Command, convertRequest{
		Op:            "convert",
		InputPath:     req.InputPath,
		InterfaceName: req.InterfaceName,
		OutputPath:    req.OutputPath,
		Metadata:      req.Metadata,
	}, &resp)
	if err != nil {
		return ConvertResult{}, libraryError("convert", err)
	}
	out := resp.OutputPath
	if out == "" {
		out = req.OutputPath
	}
	return ConvertResult{
		OutputPath: out,
		Technical: TechnicalMetadata{
			SamplingRateHz: resp.Technical.SamplingRateHz,
			ChannelCount:   resp.Technical.ChannelCount,
			DurationSec:    resp.Technical.DurationSec,
			DType:          resp.Technical.DType,
		},
	}, nil
}

// libraryError preserves the tool's original error text verbatim.
func libraryError(op string, err error) error {
	var tool *execbridge.ToolError
	if errors.As(err, &tool) {
		return &LibraryError{Op: op, Library: tool.Command, Text: tool.Stderr}
	}
	return err
}
