// -- internal/reporting/reporter.go --
package reporting

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/xkilldash9x/waypoint/api/schemas"
)

// Formats lists the supported output formats.
var Formats = []string{"text", "json", "yaml"}

// Report is the outcome of one operation as written by a Reporter.
type Report struct {
	Operation schemas.OperationRecord `json:"operation" yaml:"operation"`
	Facts     []schemas.Fact          `json:"facts" yaml:"facts"`
}

// Reporter defines the interface for writing operation reports to an output.
type Reporter interface {
	Write(report *Report) error
	// Close finalizes the report and closes the output file, if any.
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for format. An empty outputPath or "stdout" writes to
// stdout, which is never closed. A nil stdout means os.Stdout.
func New(format, outputPath string, stdout io.Writer) (Reporter, error) {
	if !slices.Contains(Formats, format) {
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		if stdout == nil {
			stdout = os.Stdout
		}
		writer = &nopWriteCloser{stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	switch format {
	case "json":
		return &jsonReporter{w: writer}, nil
	case "yaml":
		return &yamlReporter{w: writer}, nil
	default:
		return &textReporter{w: writer}, nil
	}
}
