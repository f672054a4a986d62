package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/config"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/database"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/window"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const reportEventLimit = 10

func newReportCommand(configPath func() string) *cobra.Command {
	var (
		since  time.Duration
		format string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Build a security report from stored audit events",
		Long: `Build a security report offline from the SQL audit store.

Examples:
  # Last 24 hours as text
  qrguard report

  # Last week as JSON
  qrguard report --since 168h --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if since <= 0 {
				return errors.New("--since must be positive")
			}
			cfg, err := config.LoadFile(configPath())
			if err != nil {
				return err
			}
			now := time.Now()
			report, err := loadReport(cmd.Context(), cfg, window.Last(since, now), now)
			if err != nil {
				return err
			}

			switch format {
			case "json":
				enc := json.NewEncoder(out(cmd))
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			case "text":
				printReport(out(cmd), report)
				return nil
			default:
				return fmt.Errorf("unknown format %q", format)
			}
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "report over the trailing duration")
	cmd.Flags().StringVar(&format, "format", "text", "output format (text, json)")
	return cmd
}

func loadReport(ctx context.Context, cfg *config.Config, r window.Range, now time.Time) (audit.Report, error) {
	if !cfg.Storage.Enabled {
		return audit.Report{}, errors.New("storage is not enabled; reports are built from the SQL audit store")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := database.Open(zap.NewNop(), cfg.Storage.Database)
	if err != nil {
		return audit.Report{}, err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return audit.Report{}, err
	}

	events, err := database.NewAuditStore(db).Load(ctx, r)
	if err != nil {
		return audit.Report{}, err
	}
	return audit.BuildReport(events, r, now), nil
}

func printReport(w io.Writer, r audit.Report) {
	fmt.Fprintf(w, "Security report %s to %s\n\n",
		r.Range.Start.Format(time.RFC3339), r.Range.End.Format(time.RFC3339))
	fmt.Fprintf(w, "  Total events       : %s\n", humanize.Comma(int64(r.TotalEvents)))
	fmt.Fprintf(w, "  Critical           : %s\n", humanize.Comma(int64(len(r.CriticalEvents))))
	fmt.Fprintf(w, "  Failed logins      : %s\n", humanize.Comma(int64(len(r.FailedLogins))))
	fmt.Fprintf(w, "  Suspicious         : %s\n", humanize.Comma(int64(len(r.SuspiciousActivities))))
	fmt.Fprintf(w, "  Blocked/limited    : %s\n", humanize.Comma(int64(len(r.RateLimitAbuse))))

	if len(r.EventsBySeverity) > 0 {
		fmt.Fprintln(w, "\nBy severity:")
		for _, sev := range []audit.Severity{audit.SeverityCritical, audit.SeverityHigh, audit.SeverityMedium, audit.SeverityLow} {
			if n := r.EventsBySeverity[sev]; n > 0 {
				fmt.Fprintf(w, "  %-10s %s\n", sev, humanize.Comma(int64(n)))
			}
		}
	}

	if len(r.EventsByType) > 0 {
		fmt.Fprintln(w, "\nBy type:")
		types := make([]audit.EventType, 0, len(r.EventsByType))
		for t := range r.EventsByType {
			types = append(types, t)
		}
		sort.Slice(types, func(i, j int) bool {
			if r.EventsByType[types[i]] != r.EventsByType[types[j]] {
				return r.EventsByType[types[i]] > r.EventsByType[types[j]]
			}
			return types[i] < types[j]
		})
		for _, t := range types {
			fmt.Fprintf(w, "  %-32s %s\n", t, humanize.Comma(int64(r.EventsByType[t])))
		}
	}

	if len(r.TopSourceAddresses) > 0 {
		fmt.Fprintln(w, "\nTop source addresses:")
		for _, a := range r.TopSourceAddresses {
			fmt.Fprintf(w, "  %-39s %s\n", a.Address, humanize.Comma(int64(a.Count)))
		}
	}

	if len(r.CriticalEvents) > 0 {
		fmt.Fprintln(w, "\nRecent critical events:")
		for i, e := range r.CriticalEvents {
			if i == reportEventLimit {
				fmt.Fprintf(w, "  ... and %d more\n", len(r.CriticalEvents)-reportEventLimit)
				break
			}
			fmt.Fprintf(w, "  %s  %s  %s\n", humanize.Time(e.Timestamp), e.Type, e.Target())
		}
	}

	fmt.Fprintln(w, "\nRecommendations:")
	for _, rec := range r.Recommendations {
		fmt.Fprintf(w, "  - %s\n", rec)
	}
}
