package audit

import (
	"fmt"
	"sort"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/window"
)

// Report thresholds
const (
	ReportFailedLoginThreshold    = 10
	ReportSuspiciousThreshold     = 5
	ReportRateLimitAbuseThreshold = 20
)

// Report is a security summary over a time range.
type Report struct {
	GeneratedAt          time.Time         `json:"generatedAt"`
	Range                window.Range      `json:"range"`
	TotalEvents          int               `json:"totalEvents"`
	EventsByType         map[EventType]int `json:"eventsByType"`
	EventsBySeverity     map[Severity]int  `json:"eventsBySeverity"`
	CriticalEvents       []Event           `json:"criticalEvents"`
	FailedLogins         []Event           `json:"failedLogins"`
	SuspiciousActivities []Event           `json:"suspiciousActivities"`
	RateLimitAbuse       []Event           `json:"rateLimitAbuse"`
	TopSourceAddresses   []AddressCount    `json:"topSourceAddresses"`
	Recommendations      []string          `json:"recommendations"`
}

// GenerateReport builds a report from the buffered events inside r.
func (l *Log) GenerateReport(r window.Range) Report {
	events := l.Events(Filter{Since: r.Start, Until: r.End})
	return BuildReport(events, r, l.clock())
}

// BuildReport partitions events inside r and derives recommendations. The
// input may be in any order; partitions are returned most recent first.
func BuildReport(events []Event, r window.Range, now time.Time) Report {
	report := Report{
		GeneratedAt:      now,
		Range:            r,
		EventsByType:     make(map[EventType]int),
		EventsBySeverity: make(map[Severity]int),
	}

	sorted := make([]Event, 0, len(events))
	for _, e := range events {
		if r.Contains(e.Timestamp) {
			sorted = append(sorted, e)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	addresses := make(map[string]int)
	for _, e := range sorted {
		report.TotalEvents++
		report.EventsByType[e.Type]++
		report.EventsBySeverity[e.Severity]++
		if e.SourceAddress != "" {
			addresses[e.SourceAddress]++
		}

		if e.Severity == SeverityCritical {
			report.CriticalEvents = append(report.CriticalEvents, e)
		}
		switch {
		case e.Type == EventLoginFailed:
			report.FailedLogins = append(report.FailedLogins, e)
		case e.Type.IsBlockedRequest():
			report.RateLimitAbuse = append(report.RateLimitAbuse, e)
		case e.Type.IsSuspicious():
			report.SuspiciousActivities = append(report.SuspiciousActivities, e)
		}
	}
	report.TopSourceAddresses = topAddresses(addresses, topAddressLimit)
	report.Recommendations = recommend(report)
	return report
}

func recommend(r Report) []string {
	var recs []string
	if n := len(r.CriticalEvents); n > 0 {
		recs = append(recs, fmt.Sprintf("Investigate %d critical security events immediately", n))
	}
	if len(r.FailedLogins) > ReportFailedLoginThreshold {
		recs = append(recs, "Implement stricter rate limiting on authentication endpoints")
	}
	if len(r.SuspiciousActivities) > ReportSuspiciousThreshold {
		recs = append(recs, "Enable multi-factor authentication and increase monitoring of flagged accounts")
	}
	if len(r.RateLimitAbuse) > ReportRateLimitAbuseThreshold {
		recs = append(recs, "Review API quotas and block persistently abusive source addresses")
	}
	if len(recs) == 0 {
		recs = append(recs, "No immediate action required; continue routine monitoring")
	}
	return recs
}
