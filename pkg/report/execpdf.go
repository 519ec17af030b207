package report

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/nwbconvert/kernel/pkg/execbridge"
)

// ExecPDFPort renders PDFs through an external renderer tool over the
// exec bridge: the PassedDocument goes out as JSON, the PDF comes back
// base64-encoded.
type ExecPDFPort struct {
	Command string
}

// NewExecPDFPort builds a PDFPort backed by the given command line.
func NewExecPDFPort(command string) *ExecPDFPort {
	return &ExecPDFPort{Command: command}
}

type pdfResponse struct {
	PDFBase64 string `json:"pdf_base64"`
}

func (p *ExecPDFPort) RenderPDF(doc PassedDocument) ([]byte, error) {
	var resp pdfResponse
	if err := execbridge.Run(context.Background(), p.Command, doc, &resp); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.PDFBase64)
	if err != nil {
		return nil, fmt.Errorf("report: renderer returned invalid base64: %w", err)
	}
	return data, nil
}
