package verify

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Report collects per-table verification results.
type Report struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Tables      []TableResult `json:"tables"`
}

// Summary totals a report.
type Summary struct {
	Total      int   `json:"total"`
	Passed     int   `json:"passed"`
	Failed     int   `json:"failed"`
	Pending    int   `json:"pending"`
	SourceRows int64 `json:"source_rows"`
	TargetRows int64 `json:"target_rows"`
}

// Summary counts tables by status and sums row counts.
func (r *Report) Summary() Summary {
	s := Summary{Total: len(r.Tables)}
	for _, t := range r.Tables {
		switch t.Status {
		case StatusPass:
			s.Passed++
		case StatusFail:
			s.Failed++
		case StatusPending:
			s.Pending++
		}
		s.SourceRows += t.SourceRows
		s.TargetRows += t.TargetRows
	}
	return s
}

// Failed reports whether any table failed. Pending tables do not count.
func (r *Report) Failed() bool {
	return r.Summary().Failed > 0
}

// FailedTables lists the names of failed tables.
func (r *Report) FailedTables() []string {
	var out []string
	for _, t := range r.Tables {
		if t.Status == StatusFail {
			out = append(out, t.Name)
		}
	}
	return out
}

// WriteText renders the human-readable report.
func (r *Report) WriteText(w io.Writer) error {
	s := r.Summary()
	rule := strings.Repeat("=", 80)

	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\nMIGRATION VERIFICATION REPORT\n%s\n", rule, rule)
	fmt.Fprintf(&b, "Generated at: %s\n\n", r.GeneratedAt.Format("2006-01-02 15:04:05"))
	b.WriteString("SUMMARY:\n")
	fmt.Fprintf(&b, "- Total tables verified: %d\n", s.Total)
	fmt.Fprintf(&b, "- Passed: %d\n", s.Passed)
	fmt.Fprintf(&b, "- Failed: %d\n", s.Failed)
	fmt.Fprintf(&b, "- Pending migration: %d\n", s.Pending)
	fmt.Fprintf(&b, "- Total source rows: %s\n", commas(s.SourceRows))
	fmt.Fprintf(&b, "- Total target rows: %s\n", commas(s.TargetRows))
	b.WriteString("\nDETAILED RESULTS:\n")

	for _, t := range r.Tables {
		fmt.Fprintf(&b, "\n%s\n", strings.Repeat("-", 60))
		fmt.Fprintf(&b, "Table: %s [%s]\n", t.Name, t.Status)
		fmt.Fprintf(&b, "  Rows: %s -> %s\n", commas(t.SourceRows), commas(t.TargetRows))
		fmt.Fprintf(&b, "  Structure Match: %t\n", t.StructureMatch)
		fmt.Fprintf(&b, "  Row Count Match: %t\n", t.RowCountMatch)
		if len(t.Errors) > 0 {
			b.WriteString("  ERRORS:\n")
			for _, e := range t.Errors {
				fmt.Fprintf(&b, "    - %s\n", e)
			}
		}
		if len(t.Warnings) > 0 {
			b.WriteString("  WARNINGS:\n")
			for _, e := range t.Warnings {
				fmt.Fprintf(&b, "    - %s\n", e)
			}
		}
	}
	fmt.Fprintf(&b, "\n%s\n", rule)

	_, err := io.WriteString(w, b.String())
	return err
}

// SaveText writes the text report to path. The directory must exist.
func (r *Report) SaveText(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating report file: %w", err)
	}
	if err := r.WriteText(f); err != nil {
		f.Close()
		return fmt.Errorf("writing report: %w", err)
	}
	return f.Close()
}

func commas(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var out []byte
	for i := range len(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
