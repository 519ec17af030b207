package nwbport

import (
	"context"

	"github.com/nwbconvert/kernel/pkg/execbridge"
	"github.com/nwbconvert/kernel/pkg/session"
)

// ExecPort drives a real NWB reader/inspector tool (e.g. a
// PyNWB + nwbinspector wrapper script) over the exec bridge.
type ExecPort struct {
	Command string
}

// NewExecPort builds a Port backed by the given command line.
func NewExecPort(command string) *ExecPort {
	return &ExecPort{Command: command}
}

type openRequest struct {
	Op      string `json:"op"`
	NWBPath string `json:"nwb_path"`
}

type openResponse struct {
	NWBVersion     string  `json:"nwb_version"`
	SamplingRateHz float64 `json:"sampling_rate_hz"`
	ChannelCount   int     `json:"channel_count"`
	DurationSec    float64 `json:"duration_sec"`
	DType          string  `json:"dtype"`
}

func (p *ExecPort) Open(ctx context.Context, nwbPath string) (OpenResult, error) {
	var resp openResponse
	if err := execbridge.Run(ctx, p.Command, openRequest{Op: "open", NWBPath: nwbPath}, &resp); err != nil {
		return OpenResult{}, err
	}
	return OpenResult{
		NWBVersion: resp.NWBVersion,
		Info: session.FileInfo{
			NWBVersion:     resp.NWBVersion,
			SamplingRateHz: resp.SamplingRateHz,
			ChannelCount:   resp.ChannelCount,
			DurationSec:    resp.DurationSec,
			DType:          resp.DType,
		},
	}, nil
}

type inspectResponse struct {
	Issues []struct {
		CheckName  string `json:"check_name"`
		Severity   string `json:"severity"`
		Message    string `json:"message"`
		Location   string `json:"location"`
		Importance string `json:"importance"`
	} `json:"issues"`
}

func (p *ExecPort) Inspect(ctx context.Context, nwbPath string) ([]session.ValidationIssue, error) {
	var resp inspectResponse
	if err := execbridge.Run(ctx, p.Command, openRequest{Op: "inspect", NWBPath: nwbPath}, &resp); err != nil {
		return nil, err
	}
	issues := make([]session.ValidationIssue, 0, len(resp.Issues))
	for _, i := range resp.Issues {
		issues = append(issues, session.ValidationIssue{
			CheckName:  i.CheckName,
			Severity:   session.Severity(i.Severity),
			Message:    i.Message,
			Location:   i.Location,
			FilePath:   nwbPath,
			Importance: i.Importance,
		})
	}
	return issues, nil
}
