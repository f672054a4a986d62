package security

import (
	"sort"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
)

// ThreatType names a detected threat or abuse pattern.
type ThreatType string

const (
	ThreatBruteForce         ThreatType = "brute_force"
	ThreatAccountEnumeration ThreatType = "account_enumeration"
	ThreatDistributedAttack  ThreatType = "distributed_attack"
	ThreatCredentialStuffing ThreatType = "credential_stuffing"

	AbuseRateLimitExceeded  ThreatType = "rate_limit_exceeded"
	AbuseScraping           ThreatType = "scraping_detected"
	AbuseResourceExhaustion ThreatType = "resource_exhaustion"
)

// Threat is an advisory finding produced by the login or API monitor.
type Threat struct {
	Type          ThreatType             `json:"type"`
	Severity      audit.Severity         `json:"severity"`
	Confidence    int                    `json:"confidence"`
	SourceAddress string                 `json:"sourceAddress,omitempty"`
	Endpoint      string                 `json:"endpoint,omitempty"`
	Description   string                 `json:"description"`
	Evidence      map[string]interface{} `json:"evidence,omitempty"`
	DetectedAt    time.Time              `json:"detectedAt"`
}

// sortThreats orders by severity, then confidence, then address.
func sortThreats(threats []Threat) {
	sort.SliceStable(threats, func(i, j int) bool {
		a, b := threats[i], threats[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.SourceAddress != b.SourceAddress {
			return a.SourceAddress < b.SourceAddress
		}
		return a.Endpoint < b.Endpoint
	})
}

func clampScore(score int) int {
	return max(0, min(100, score))
}
