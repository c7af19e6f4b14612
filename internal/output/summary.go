package output

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/wesleyorama2/mailsim/internal/simulator/config"
	"github.com/wesleyorama2/mailsim/internal/simulator/engine"
	"github.com/wesleyorama2/mailsim/internal/simulator/netaddr"
)

// Printer writes human or JSON renderings of results.
type Printer struct {
	Writer io.Writer
	JSON   bool
	Scheme *ColorScheme
}

// NewPrinter returns a printer for w, colored when w is a terminal.
func NewPrinter(w io.Writer, asJSON, noColor bool) *Printer {
	return &Printer{Writer: w, JSON: asJSON, Scheme: SchemeFor(w, noColor || asJSON)}
}

// PrintResult writes the summary of a run.
func (p *Printer) PrintResult(res *engine.Result) error {
	if p.JSON {
		enc := json.NewEncoder(p.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	s := p.Scheme
	var b strings.Builder

	status := s.SuccessIcon() + " " + s.Success.Sprint("completed")
	switch {
	case res.Interrupted:
		status = s.WarningIcon() + " " + s.Warn.Sprint("interrupted")
	case res.Abnormal > 0 || res.LaunchFailures > 0 || len(res.IdentityErrors) > 0:
		status = s.WarningIcon() + " " + s.Warn.Sprint("completed with errors")
	}

	fmt.Fprintf(&b, "%s %s\n", s.Title.Sprintf("Run %s", res.RunID), status)
	p.row(&b, "Server", res.Server)
	p.row(&b, "Duration", res.Duration().Round(time.Millisecond).String())
	p.row(&b, "Slots", fmt.Sprintf("%d (%d interfaces)", res.Slots, res.Interfaces))
	p.row(&b, "Workers", fmt.Sprintf("%d launched, %d reaped, %d abnormal, %d killed",
		res.Launched, res.Reaped, res.Abnormal, res.Killed))
	if res.LaunchFailures > 0 {
		p.row(&b, "Launch failures", s.Error.Sprint(res.LaunchFailures))
	}
	p.row(&b, "Invocations", fmt.Sprintf("%d (%d failed)", res.Invocations, res.Failures))

	if len(res.Modules) > 0 {
		b.WriteString("\n")
		fmt.Fprintf(&b, "  %-12s %8s %8s %10s %10s %10s %10s\n",
			"MODULE", "RUNS", "FAILED", "MEAN", "P50", "P95", "MAX")
		for _, m := range res.Modules {
			failed := fmt.Sprintf("%8d", m.Failures)
			if m.Failures > 0 {
				failed = s.Error.Sprint(failed)
			}
			fmt.Fprintf(&b, "  %-12s %8d %s %10s %10s %10s %10s\n",
				m.Name,
				m.Invocations, failed,
				formatDuration(m.Mean), formatDuration(m.P50), formatDuration(m.P95), formatDuration(m.Max))
		}
	}

	if len(res.IdentityErrors) > 0 {
		b.WriteString("\n")
		fmt.Fprintf(&b, "  %s\n", s.Error.Sprint("Identity errors:"))
		for _, e := range res.IdentityErrors {
			fmt.Fprintf(&b, "    %s %s\n", s.ErrorIcon(), e)
		}
	}

	_, err := io.WriteString(p.Writer, b.String())
	return err
}

func (p *Printer) row(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "  %s %s\n", p.Scheme.Label.Sprintf("%-16s", label+":"), p.Scheme.Value.Sprint(value))
}

// ServerCheck is the check command's view of one server.
type ServerCheck struct {
	Name      string `json:"name"`
	Ranged    bool   `json:"ranged"`
	Slots     int    `json:"slots"`
	Addresses int    `json:"addresses"`
	Backend   string `json:"backend"`
}

// CheckServers summarizes every server of cfg.
func CheckServers(cfg *config.Config) []ServerCheck {
	out := make([]ServerCheck, 0, len(cfg.Servers))
	for i := range cfg.Servers {
		srv := &cfg.Servers[i]
		sc := ServerCheck{Name: srv.Name, Ranged: srv.Ranged(), Slots: srv.Slots(), Backend: "memory"}
		if srv.BaseURL != "" {
			sc.Backend = srv.BaseURL
		}
		if srv.IPRange != nil {
			sc.Addresses = netaddr.AvailableCount(net.ParseIP(srv.IPRange.Start), net.ParseIP(srv.IPRange.End))
		}
		out = append(out, sc)
	}
	return out
}

// PrintCheck writes the outcome of validating cfg. verr is the validation
// error, if any.
func (p *Printer) PrintCheck(cfg *config.Config, verr error) error {
	checks := CheckServers(cfg)
	if p.JSON {
		doc := struct {
			Valid   bool          `json:"valid"`
			Error   string        `json:"error,omitempty"`
			Servers []ServerCheck `json:"servers"`
		}{Valid: verr == nil, Servers: checks}
		if verr != nil {
			doc.Error = verr.Error()
		}
		enc := json.NewEncoder(p.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	s := p.Scheme
	var b strings.Builder
	if verr != nil {
		fmt.Fprintf(&b, "%s %s\n", s.ErrorIcon(), s.Error.Sprint("configuration is invalid"))
		for _, line := range strings.Split(verr.Error(), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				fmt.Fprintf(&b, "    %s\n", line)
			}
		}
	} else {
		fmt.Fprintf(&b, "%s %s\n", s.SuccessIcon(), s.Success.Sprint("configuration is valid"))
	}

	for _, c := range checks {
		addrs := "-"
		if c.Ranged {
			addrs = fmt.Sprintf("%d", c.Addresses)
		}
		fmt.Fprintf(&b, "  %s slots=%d addresses=%s backend=%s\n",
			s.Highlight.Sprint(c.Name), c.Slots, addrs, c.Backend)
	}
	fmt.Fprintf(&b, "  %s %d\n", s.Label.Sprint("scenarios:"), len(cfg.Scenarios))

	_, err := io.WriteString(p.Writer, b.String())
	return err
}

// formatDuration renders d with a unit suited to its magnitude.
func formatDuration(d time.Duration) string {
	switch {
	case d == 0:
		return "-"
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%.1fms", float64(d.Microseconds())/1000)
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
