// Package audit keeps the bounded, append-only security audit trail, derives
// metrics and reports from it, and detects brute force and scanning bursts
// in its own stream.
package audit

import (
	"time"
)

// EventType is the closed set of audit event types.
type EventType string

const (
	// Authentication
	EventLoginSuccess         EventType = "auth_login_success"
	EventLoginFailed          EventType = "auth_login_failed"
	EventLogout               EventType = "auth_logout"
	EventPasswordResetRequest EventType = "auth_password_reset_requested"
	EventAccountLocked        EventType = "auth_account_locked"

	// API traffic
	EventAPIRequest           EventType = "api_request"
	EventAPIRateLimitExceeded EventType = "api_rate_limit_exceeded"
	EventAPIScrapingDetected  EventType = "api_scraping_detected"
	EventAPIErrorFlooding     EventType = "api_error_flooding"
	EventAPIAbuseDetected     EventType = "api_abuse_detected"
	EventRequestBlocked       EventType = "request_blocked"

	// Detections
	EventBruteForceDetected         EventType = "brute_force_detected"
	EventCredentialStuffingDetected EventType = "credential_stuffing_detected"
	EventAccountEnumeration         EventType = "account_enumeration_detected"
	EventDistributedAttack          EventType = "distributed_attack_detected"
	EventSecurityScanDetected       EventType = "security_scan_detected"
	EventSuspiciousActivity         EventType = "suspicious_activity"
	EventAddressBlocked             EventType = "ip_blocked"
	EventAddressUnblocked           EventType = "ip_unblocked"

	// Authorization
	EventPrivilegeEscalation EventType = "privilege_escalation_attempt"
	EventAccessGranted       EventType = "access_granted"
	EventPermissionDenied    EventType = "permission_denied"
	EventRoleAssigned        EventType = "role_assigned"
	EventRoleRemoved         EventType = "role_removed"

	// Rate limiting
	EventRateLimitExceeded EventType = "rate_limit_exceeded"
)

// Category groups event types for the aggregate counters and reports.
type Category string

const (
	CategoryAuth      Category = "auth"
	CategoryAPI       Category = "api"
	CategorySecurity  Category = "security"
	CategoryAccess    Category = "access"
	CategoryRateLimit Category = "rate_limit"
)

var eventCategories = map[EventType]Category{
	EventLoginSuccess:         CategoryAuth,
	EventLoginFailed:          CategoryAuth,
	EventLogout:               CategoryAuth,
	EventPasswordResetRequest: CategoryAuth,
	EventAccountLocked:        CategoryAuth,

	EventAPIRequest:           CategoryAPI,
	EventAPIRateLimitExceeded: CategoryRateLimit,
	EventAPIScrapingDetected:  CategorySecurity,
	EventAPIErrorFlooding:     CategorySecurity,
	EventAPIAbuseDetected:     CategorySecurity,
	EventRequestBlocked:       CategoryRateLimit,

	EventBruteForceDetected:         CategorySecurity,
	EventCredentialStuffingDetected: CategorySecurity,
	EventAccountEnumeration:         CategorySecurity,
	EventDistributedAttack:          CategorySecurity,
	EventSecurityScanDetected:       CategorySecurity,
	EventSuspiciousActivity:         CategorySecurity,
	EventAddressBlocked:             CategorySecurity,
	EventAddressUnblocked:           CategorySecurity,

	EventPrivilegeEscalation: CategoryAccess,
	EventAccessGranted:       CategoryAccess,
	EventPermissionDenied:    CategoryAccess,
	EventRoleAssigned:        CategoryAccess,
	EventRoleRemoved:         CategoryAccess,

	EventRateLimitExceeded: CategoryRateLimit,
}

// Category returns the category of the event type.
func (t EventType) Category() Category {
	if c, ok := eventCategories[t]; ok {
		return c
	}
	return CategorySecurity
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	_, ok := eventCategories[t]
	return ok
}

// IsSuspicious reports whether events of this type count as suspicious
// activity.
func (t EventType) IsSuspicious() bool {
	switch t {
	case EventAddressBlocked, EventAddressUnblocked:
		return false
	case EventPrivilegeEscalation:
		return true
	}
	return t.Category() == CategorySecurity
}

// IsBlockedRequest reports whether events of this type represent a request
// that was turned away.
func (t EventType) IsBlockedRequest() bool {
	return t.Category() == CategoryRateLimit
}

// EventTypes lists every known event type.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(eventCategories))
	for t := range eventCategories {
		out = append(out, t)
	}
	return out
}

// Severity grades an audit event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (0) to critical (3). Unknown values rank
// as low.
func (s Severity) Rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// ParseSeverity returns the severity named by s, defaulting to low.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	}
	return SeverityLow
}

// Metadata is the environment snapshot attached to every event.
type Metadata struct {
	Service  string `json:"service,omitempty"`
	Version  string `json:"version,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Platform string `json:"platform,omitempty"`
	PID      int    `json:"pid,omitempty"`
}

// Event is an immutable audit record. Details is a private copy and must
// not be modified by readers.
type Event struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Type          EventType              `json:"eventType"`
	Severity      Severity               `json:"severity"`
	UserID        string                 `json:"userId,omitempty"`
	SessionID     string                 `json:"sessionId,omitempty"`
	SourceAddress string                 `json:"sourceAddress,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Metadata      Metadata               `json:"metadata"`
	Synthetic     bool                   `json:"synthetic,omitempty"`
}

// Target returns the user the event is about: the user id when present,
// otherwise the email detail.
func (e Event) Target() string {
	if e.UserID != "" {
		return e.UserID
	}
	if email, ok := e.Details["email"].(string); ok {
		return email
	}
	return ""
}

// Recorder is implemented by anything that accepts audit events. The
// security monitors and authorization components depend on it.
type Recorder interface {
	Record(eventType EventType, severity Severity, details map[string]interface{}, opts ...EventOption)
}

// Discard is a Recorder that drops everything.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(EventType, Severity, map[string]interface{}, ...EventOption) {}

// EventOption sets optional event fields.
type EventOption func(*Event)

// WithUserID sets the acting or targeted user.
func WithUserID(id string) EventOption {
	return func(e *Event) { e.UserID = id }
}

// WithSessionID sets the session id.
func WithSessionID(id string) EventOption {
	return func(e *Event) { e.SessionID = id }
}

// WithSourceAddress sets the client network address.
func WithSourceAddress(addr string) EventOption {
	return func(e *Event) { e.SourceAddress = addr }
}

// WithTimestamp overrides the event time. Zero and future times are clamped
// to the log's clock.
func WithTimestamp(ts time.Time) EventOption {
	return func(e *Event) { e.Timestamp = ts }
}
