package security

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/datastructures"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/window"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// APIRequest is one API call outcome.
type APIRequest struct {
	Timestamp     time.Time     `json:"timestamp"`
	Endpoint      string        `json:"endpoint"`
	Method        string        `json:"method"`
	StatusCode    int           `json:"statusCode"`
	ResponseTime  time.Duration `json:"responseTime"`
	SourceAddress string        `json:"sourceAddress"`
	UserID        string        `json:"userId,omitempty"`
	UserAgent     string        `json:"userAgent,omitempty"`
	SizeBytes     int64         `json:"sizeBytes,omitempty"`
}

// IsError reports whether the response status is a client or server error.
func (r APIRequest) IsError() bool {
	return r.StatusCode >= 400
}

type endpointPattern struct {
	records         *datastructures.Ring[APIRequest]
	hourly          *window.Counter
	errors          *window.Counter
	total           int64
	score           int
	lastAccessed    time.Time
	lastScrapeAlert time.Time
	lastErrorAlert  time.Time
}

type sourceActivity struct {
	hourly   *window.Counter
	lastSeen time.Time
}

// EndpointPattern is a snapshot of one (endpoint, source) pattern.
type EndpointPattern struct {
	Endpoint        string        `json:"endpoint"`
	SourceAddress   string        `json:"sourceAddress"`
	RequestsLastHr  int           `json:"requestsLastHour"`
	TotalRequests   int64         `json:"totalRequests"`
	ErrorRate       float64       `json:"errorRate"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
	SuspiciousScore int           `json:"suspiciousScore"`
	LastAccessed    time.Time     `json:"lastAccessed"`
}

// APIMonitor builds per-(endpoint, source) request patterns and detects API
// abuse.
type APIMonitor struct {
	logger     *zap.Logger
	clock      window.Clock
	audit      audit.Recorder
	thresholds atomic.Pointer[APIThresholds]

	globalMu sync.RWMutex
	global   *datastructures.Ring[APIRequest]

	patterns *datastructures.ShardedMap[*endpointPattern]
	sources  *datastructures.ShardedMap[*sourceActivity]
}

// NewAPIMonitor creates an API traffic monitor that forwards events to
// recorder.
func NewAPIMonitor(logger *zap.Logger, recorder audit.Recorder, thresholds APIThresholds, opts ...Option) *APIMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = audit.Discard
	}
	o := buildOptions(opts)
	thresholds = thresholds.withDefaults()

	m := &APIMonitor{
		logger:   logger,
		clock:    o.clock,
		audit:    recorder,
		global:   datastructures.NewRing[APIRequest](thresholds.GlobalLogSize),
		patterns: datastructures.NewShardedMap[*endpointPattern](o.shards),
		sources:  datastructures.NewShardedMap[*sourceActivity](o.shards),
	}
	m.thresholds.Store(&thresholds)
	return m
}

// SetThresholds replaces the thresholds. Ring sizes and counter spans only
// apply to patterns created afterwards.
func (m *APIMonitor) SetThresholds(t APIThresholds) {
	t = t.withDefaults()
	m.thresholds.Store(&t)
}

// Thresholds returns the active thresholds.
func (m *APIMonitor) Thresholds() APIThresholds {
	return *m.thresholds.Load()
}

// NormalizeEndpoint strips the query string and fragment from a request
// path.
func NormalizeEndpoint(endpoint string) string {
	if i := strings.IndexAny(endpoint, "?#"); i >= 0 {
		endpoint = endpoint[:i]
	}
	if endpoint == "" {
		return "/"
	}
	return endpoint
}

func patternKey(endpoint, source string) string {
	return endpoint + "\x00" + source
}

func splitPatternKey(key string) (endpoint, source string) {
	endpoint, source, _ = strings.Cut(key, "\x00")
	return endpoint, source
}

// TrackRequest records an API call and returns the updated suspicious score
// of its (endpoint, source) pattern.
func (m *APIMonitor) TrackRequest(req APIRequest) int {
	now := m.clock()
	t := m.Thresholds()

	req.Timestamp = window.Normalize(req.Timestamp, now)
	req.Endpoint = NormalizeEndpoint(req.Endpoint)
	req.SourceAddress = normalizeAddress(req.SourceAddress)
	req.ResponseTime = window.NonNegative(req.ResponseTime)
	req.Method = strings.ToUpper(req.Method)

	var (
		score        int
		scrapeAlert  bool
		errorAlert   bool
		hourly       int
		recentErrors int
		avgResponse  time.Duration
	)
	m.patterns.Update(patternKey(req.Endpoint, req.SourceAddress), func(p *endpointPattern, exists bool) (*endpointPattern, bool) {
		if !exists {
			p = &endpointPattern{
				records: datastructures.NewRing[APIRequest](t.PatternSize),
				hourly:  window.NewCounter(t.ScoreWindow, 60),
				errors:  window.NewCounter(t.ErrorFloodWindow, 60),
			}
		}
		p.records.Push(req)
		p.hourly.Add(req.Timestamp, 1)
		if req.IsError() {
			p.errors.Add(req.Timestamp, 1)
		}
		p.total++
		if req.Timestamp.After(p.lastAccessed) {
			p.lastAccessed = req.Timestamp
		}

		hourly = p.hourly.Sum(now)
		recentErrors = p.errors.Sum(now)
		p.score = scoreEndpointPattern(p, now, t)
		score = p.score
		avgResponse = meanResponseTime(p.records)

		cooled := func(last time.Time) bool {
			return last.IsZero() || !window.Within(last, now, t.AlertCooldown)
		}
		if hourly > t.ScrapingMinRequests && avgResponse < t.ScrapingMaxAvgResponse && cooled(p.lastScrapeAlert) {
			p.lastScrapeAlert = now
			scrapeAlert = true
		}
		if recentErrors > t.ErrorFloodCount && cooled(p.lastErrorAlert) {
			p.lastErrorAlert = now
			errorAlert = true
		}
		return p, true
	})

	m.sources.Update(req.SourceAddress, func(s *sourceActivity, exists bool) (*sourceActivity, bool) {
		if !exists {
			s = &sourceActivity{hourly: window.NewCounter(t.ScoreWindow, 60)}
		}
		s.hourly.Add(req.Timestamp, 1)
		if req.Timestamp.After(s.lastSeen) {
			s.lastSeen = req.Timestamp
		}
		return s, true
	})

	m.globalMu.Lock()
	m.global.Push(req)
	m.globalMu.Unlock()

	opts := []audit.EventOption{
		audit.WithSourceAddress(req.SourceAddress),
		audit.WithTimestamp(req.Timestamp),
	}
	if req.UserID != "" {
		opts = append(opts, audit.WithUserID(req.UserID))
	}
	m.audit.Record(audit.EventAPIRequest, audit.SeverityLow, map[string]interface{}{
		"endpoint":       req.Endpoint,
		"method":         req.Method,
		"statusCode":     req.StatusCode,
		"responseTimeMs": req.ResponseTime.Milliseconds(),
	}, opts...)

	if scrapeAlert {
		m.logger.Warn("Possible API scraping",
			zap.String("endpoint", req.Endpoint),
			zap.String("source_address", req.SourceAddress),
			zap.Int("requests", hourly),
			zap.Duration("avg_response", avgResponse),
		)
		m.audit.Record(audit.EventAPIScrapingDetected, audit.SeverityHigh, map[string]interface{}{
			"endpoint":          req.Endpoint,
			"requestCount":      hourly,
			"avgResponseTimeMs": avgResponse.Milliseconds(),
		}, opts[:1]...)
	}
	if errorAlert {
		m.logger.Warn("API error flooding",
			zap.String("endpoint", req.Endpoint),
			zap.String("source_address", req.SourceAddress),
			zap.Int("errors", recentErrors),
		)
		m.audit.Record(audit.EventAPIErrorFlooding, audit.SeverityMedium, map[string]interface{}{
			"endpoint":   req.Endpoint,
			"errorCount": recentErrors,
			"window":     t.ErrorFloodWindow.String(),
		}, opts[:1]...)
	}
	return score
}

func meanResponseTime(records *datastructures.Ring[APIRequest]) time.Duration {
	if records.Len() == 0 {
		return 0
	}
	values := make([]float64, 0, records.Len())
	records.Do(func(r APIRequest) bool {
		values = append(values, float64(r.ResponseTime))
		return true
	})
	return time.Duration(stat.Mean(values, nil))
}

// scoreEndpointPattern scores a pattern over the trailing score window.
func scoreEndpointPattern(p *endpointPattern, now time.Time, t APIThresholds) int {
	var (
		recent []APIRequest
		errors int
		agents = make(map[string]struct{})
	)
	p.records.Do(func(r APIRequest) bool {
		if window.Within(r.Timestamp, now, t.ScoreWindow) {
			recent = append(recent, r)
			if r.IsError() {
				errors++
			}
			agents[r.UserAgent] = struct{}{}
		}
		return true
	})
	if len(recent) == 0 {
		return 0
	}

	score := 0
	volume := p.hourly.Sum(now)
	switch {
	case volume > t.HighVolume:
		score += t.HighVolumePoints
	case volume > t.ModerateVolume:
		score += t.ModerateVolumePoints
	}

	errorRate := float64(errors) / float64(len(recent))
	switch {
	case errorRate > t.HighErrorRate:
		score += t.HighErrorPoints
	case errorRate > t.ModerateErrorRate:
		score += t.ModerateErrorPoints
	}

	if len(agents) == 1 && len(recent) > t.SingleAgentMinRequests {
		score += t.SingleAgentPoints
	}

	if len(recent) > 1 {
		sort.Slice(recent, func(i, j int) bool { return recent[i].Timestamp.Before(recent[j].Timestamp) })
		intervals := make([]float64, 0, len(recent)-1)
		for i := 1; i < len(recent); i++ {
			intervals = append(intervals, float64(recent[i].Timestamp.Sub(recent[i-1].Timestamp)))
		}
		if len(intervals) > t.FastCadenceMinIntervals && stat.Mean(intervals, nil) < float64(t.FastCadence) {
			score += t.FastCadencePoints
		}
	}
	return clampScore(score)
}

func snapshotEndpointPattern(key string, p *endpointPattern, now time.Time) EndpointPattern {
	endpoint, source := splitPatternKey(key)
	out := EndpointPattern{
		Endpoint:        endpoint,
		SourceAddress:   source,
		RequestsLastHr:  p.hourly.Sum(now),
		TotalRequests:   p.total,
		AvgResponseTime: meanResponseTime(p.records),
		SuspiciousScore: p.score,
		LastAccessed:    p.lastAccessed,
	}
	if n := p.records.Len(); n > 0 {
		errors := 0
		p.records.Do(func(r APIRequest) bool {
			if r.IsError() {
				errors++
			}
			return true
		})
		out.ErrorRate = float64(errors) / float64(n)
	}
	return out
}

// Pattern returns a snapshot of the (endpoint, source) pattern.
func (m *APIMonitor) Pattern(endpoint, source string) (EndpointPattern, bool) {
	key := patternKey(NormalizeEndpoint(endpoint), normalizeAddress(source))
	now := m.clock()

	var (
		out   EndpointPattern
		found bool
	)
	m.patterns.View(key, func(p *endpointPattern, exists bool) {
		if exists {
			found = true
			out = snapshotEndpointPattern(key, p, now)
		}
	})
	return out, found
}

// AbuseDetection evaluates every pattern and source for abuse.
func (m *APIMonitor) AbuseDetection() []Threat {
	now := m.clock()
	t := m.Thresholds()

	var findings []Threat
	m.patterns.Range(func(key string, p *endpointPattern) bool {
		endpoint, source := splitPatternKey(key)
		hourly := p.hourly.Sum(now)

		if hourly > t.RateLimitRequests {
			findings = append(findings, Threat{
				Type:          AbuseRateLimitExceeded,
				Severity:      audit.SeverityHigh,
				Confidence:    t.RateLimitConfidence,
				SourceAddress: source,
				Endpoint:      endpoint,
				Description:   fmt.Sprintf("%d requests to %s from %s in the last hour", hourly, endpoint, source),
				Evidence:      map[string]interface{}{"requestCount": hourly},
				DetectedAt:    now,
			})
		}
		if p.score > t.ScrapingScore {
			findings = append(findings, Threat{
				Type:          AbuseScraping,
				Severity:      audit.SeverityMedium,
				Confidence:    p.score,
				SourceAddress: source,
				Endpoint:      endpoint,
				Description:   fmt.Sprintf("Automated access pattern on %s from %s", endpoint, source),
				Evidence:      map[string]interface{}{"suspiciousScore": p.score, "requestCount": hourly},
				DetectedAt:    now,
			})
		}
		return true
	})

	m.sources.Range(func(source string, s *sourceActivity) bool {
		hourly := s.hourly.Sum(now)
		if hourly > t.ExhaustionRequests {
			findings = append(findings, Threat{
				Type:          AbuseResourceExhaustion,
				Severity:      audit.SeverityCritical,
				Confidence:    t.ExhaustionConfidence,
				SourceAddress: source,
				Description:   fmt.Sprintf("%d requests from %s across all endpoints in the last hour", hourly, source),
				Evidence:      map[string]interface{}{"requestCount": hourly},
				DetectedAt:    now,
			})
		}
		return true
	})

	sortThreats(findings)
	return findings
}

// APIStats summarizes API traffic in a time range.
type APIStats struct {
	TotalRequests      int                  `json:"totalRequests"`
	Errors             int                  `json:"errors"`
	ErrorRate          float64              `json:"errorRate"`
	AvgResponseTime    time.Duration        `json:"avgResponseTime"`
	P95ResponseTime    time.Duration        `json:"p95ResponseTime"`
	UniqueSources      int                  `json:"uniqueSources"`
	RequestsByEndpoint map[string]int       `json:"requestsByEndpoint"`
	RequestsByStatus   map[string]int       `json:"requestsByStatus"`
	RequestsByMethod   map[string]int       `json:"requestsByMethod"`
	TopSourceAddresses []audit.AddressCount `json:"topSourceAddresses"`
	SuspiciousPatterns int                  `json:"suspiciousPatterns"`
}

// APIStats aggregates the global request log inside r. A zero range covers
// the whole log.
func (m *APIMonitor) APIStats(r window.Range) APIStats {
	t := m.Thresholds()
	stats := APIStats{
		RequestsByEndpoint: make(map[string]int),
		RequestsByStatus:   make(map[string]int),
		RequestsByMethod:   make(map[string]int),
	}

	sources := make(map[string]int)
	var latencies []float64

	m.globalMu.RLock()
	m.global.Do(func(req APIRequest) bool {
		if !r.Contains(req.Timestamp) {
			return true
		}
		stats.TotalRequests++
		if req.IsError() {
			stats.Errors++
		}
		stats.RequestsByEndpoint[req.Endpoint]++
		stats.RequestsByStatus[statusClass(req.StatusCode)]++
		if req.Method != "" {
			stats.RequestsByMethod[req.Method]++
		}
		sources[req.SourceAddress]++
		latencies = append(latencies, float64(req.ResponseTime))
		return true
	})
	m.globalMu.RUnlock()

	if stats.TotalRequests > 0 {
		stats.ErrorRate = float64(stats.Errors) / float64(stats.TotalRequests)
		stats.AvgResponseTime, stats.P95ResponseTime = latencySummary(latencies)
	}
	stats.UniqueSources = len(sources)
	stats.TopSourceAddresses = topCounts(sources, topListLimit)

	m.patterns.Range(func(_ string, p *endpointPattern) bool {
		if p.score >= t.SuspiciousScore {
			stats.SuspiciousPatterns++
		}
		return true
	})
	return stats
}

func latencySummary(latencies []float64) (avg, p95 time.Duration) {
	if len(latencies) == 0 {
		return 0, 0
	}
	sort.Float64s(latencies)
	avg = time.Duration(stat.Mean(latencies, nil))
	p95 = time.Duration(stat.Quantile(0.95, stat.Empirical, latencies, nil))
	return avg, p95
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return fmt.Sprintf("%dxx", code/100)
}

// EndpointMetrics aggregates all sources of one endpoint.
type EndpointMetrics struct {
	Endpoint           string        `json:"endpoint"`
	RequestsLastHour   int           `json:"requestsLastHour"`
	TotalRequests      int64         `json:"totalRequests"`
	UniqueSources      int           `json:"uniqueSources"`
	ErrorRate          float64       `json:"errorRate"`
	AvgResponseTime    time.Duration `json:"avgResponseTime"`
	P95ResponseTime    time.Duration `json:"p95ResponseTime"`
	MaxSuspiciousScore int           `json:"maxSuspiciousScore"`
	SuspiciousSources  int           `json:"suspiciousSources"`
	LastAccessed       time.Time     `json:"lastAccessed"`
}

// EndpointMetrics returns per-endpoint metrics sorted by request volume.
// An empty endpoint returns every endpoint.
func (m *APIMonitor) EndpointMetrics(endpoint string) []EndpointMetrics {
	now := m.clock()
	t := m.Thresholds()
	if endpoint != "" {
		endpoint = NormalizeEndpoint(endpoint)
	}

	type accumulator struct {
		metrics   EndpointMetrics
		errors    int
		records   int
		latencies []float64
	}
	acc := make(map[string]*accumulator)

	m.patterns.Range(func(key string, p *endpointPattern) bool {
		ep, _ := splitPatternKey(key)
		if endpoint != "" && ep != endpoint {
			return true
		}
		a, ok := acc[ep]
		if !ok {
			a = &accumulator{metrics: EndpointMetrics{Endpoint: ep}}
			acc[ep] = a
		}
		a.metrics.RequestsLastHour += p.hourly.Sum(now)
		a.metrics.TotalRequests += p.total
		a.metrics.UniqueSources++
		a.metrics.MaxSuspiciousScore = max(a.metrics.MaxSuspiciousScore, p.score)
		if p.score >= t.SuspiciousScore {
			a.metrics.SuspiciousSources++
		}
		if p.lastAccessed.After(a.metrics.LastAccessed) {
			a.metrics.LastAccessed = p.lastAccessed
		}
		p.records.Do(func(r APIRequest) bool {
			a.records++
			if r.IsError() {
				a.errors++
			}
			a.latencies = append(a.latencies, float64(r.ResponseTime))
			return true
		})
		return true
	})

	out := make([]EndpointMetrics, 0, len(acc))
	for _, a := range acc {
		if a.records > 0 {
			a.metrics.ErrorRate = float64(a.errors) / float64(a.records)
		}
		a.metrics.AvgResponseTime, a.metrics.P95ResponseTime = latencySummary(a.latencies)
		out = append(out, a.metrics)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestsLastHour != out[j].RequestsLastHour {
			return out[i].RequestsLastHour > out[j].RequestsLastHour
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	return out
}

// Sweep drops idle patterns and sources and trims the global log to the
// score window.
func (m *APIMonitor) Sweep(now time.Time) int {
	t := m.Thresholds()

	removed := m.patterns.DeleteIf(func(_ string, p *endpointPattern) bool {
		return !window.Within(p.lastAccessed, now, t.PatternIdleTTL)
	})
	removed += m.sources.DeleteIf(func(_ string, s *sourceActivity) bool {
		return !window.Within(s.lastSeen, now, t.PatternIdleTTL)
	})

	cutoff := now.Add(-t.PatternIdleTTL)
	m.globalMu.Lock()
	removed += m.global.DropOldest(func(r APIRequest) bool {
		return r.Timestamp.Before(cutoff)
	})
	m.globalMu.Unlock()
	return removed
}

// PatternCount returns the number of tracked (endpoint, source) patterns.
func (m *APIMonitor) PatternCount() int {
	return m.patterns.Count()
}
