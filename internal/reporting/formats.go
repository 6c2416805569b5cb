package reporting

import (
	"fmt"
	"io"
	"text/tabwriter"

	json "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

type jsonReporter struct {
	w io.WriteCloser
}

func (r *jsonReporter) Write(report *Report) error {
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	_, err = fmt.Fprintln(r.w, string(out))
	return err
}

func (r *jsonReporter) Close() error { return r.w.Close() }

type yamlReporter struct {
	w io.WriteCloser
	// written separates consecutive reports into YAML documents.
	written bool
}

func (r *yamlReporter) Write(report *Report) error {
	if r.written {
		if _, err := io.WriteString(r.w, "---\n"); err != nil {
			return err
		}
	}
	enc := yaml.NewEncoder(r.w)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	r.written = true
	return enc.Close()
}

func (r *yamlReporter) Close() error { return r.w.Close() }

// textReporter prints the chain and the collected facts as aligned tables.
type textReporter struct {
	w io.WriteCloser
}

func (r *textReporter) Write(report *Report) error {
	rec := report.Operation
	fmt.Fprintf(r.w, "Operation %s (%s) planner=%s links=%d\n\n", rec.Name, rec.ID, rec.Planner, len(rec.Chain))

	tw := tabwriter.NewWriter(r.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tABILITY\tPAW\tSTATUS\tCOMMAND")
	for i := range rec.Chain {
		l := &rec.Chain[i]
		command, err := l.DecodedCommand()
		if err != nil {
			command = l.Command
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, l.AbilityID(), l.Paw, l.Status, command)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(r.w, "\nFacts (%d)\n", len(report.Facts))
	tw = tabwriter.NewWriter(r.w, 0, 4, 2, ' ', 0)
	for _, f := range report.Facts {
		fmt.Fprintf(tw, "  %s\t%s\n", f.Trait, f.Value)
	}
	return tw.Flush()
}

func (r *textReporter) Close() error { return r.w.Close() }
