package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// PlatformCallLabel identifies an external platform API call by operation and
// outcome. Successful calls carry an empty error kind.
type PlatformCallLabel struct {
	Operation string
	ErrorKind string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, session lifecycle events, external platform calls, scheduler
// activity, and credential operations. It coordinates concurrent writers via
// a RWMutex while exposing a thread-safe gauge for active session tracking.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	sessionEvents    map[string]uint64
	sessionsCreated  map[string]uint64
	activeSessions   atomic.Int64
	platformCalls    map[PlatformCallLabel]uint64
	schedulerPasses  uint64
	promotions       uint64
	reconciliations  map[string]uint64
	credentialEvents map[string]uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		sessionEvents:    make(map[string]uint64),
		sessionsCreated:  make(map[string]uint64),
		platformCalls:    make(map[PlatformCallLabel]uint64),
		reconciliations:  make(map[string]uint64),
		credentialEvents: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionCreated records a session creation labelled by ingest strategy.
func (r *Recorder) SessionCreated(strategy string) {
	name := normalizeName(strategy)
	r.mu.Lock()
	r.sessionsCreated[name]++
	r.sessionEvents["created"]++
	r.mu.Unlock()
}

// SessionStarted records a start lifecycle event and increments the active
// session gauge atomically so concurrent transitions remain consistent.
func (r *Recorder) SessionStarted() {
	r.incrementSessionEvent("started")
	r.activeSessions.Add(1)
}

// SessionEnded records an end lifecycle event and decrements the active
// session gauge, guarding against negative counts when updates race.
func (r *Recorder) SessionEnded() {
	r.incrementSessionEvent("ended")
	r.decrementGauge(&r.activeSessions)
}

// SessionErrored records an error lifecycle event. The gauge is decremented
// because a session may fail while live.
func (r *Recorder) SessionErrored() {
	r.incrementSessionEvent("errored")
	r.decrementGauge(&r.activeSessions)
}

func (r *Recorder) incrementSessionEvent(event string) {
	name := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[name]++
	r.mu.Unlock()
}

// ObservePlatformCall records a successful external platform API call keyed
// by operation name (e.g. "create_broadcast", "transition", "fetch_status").
func (r *Recorder) ObservePlatformCall(operation string) {
	label := PlatformCallLabel{Operation: normalizeName(operation)}
	r.mu.Lock()
	r.platformCalls[label]++
	r.mu.Unlock()
}

// ObservePlatformError records a failed platform call keyed by operation and
// the classified error kind (quota_exceeded, auth_expired, unavailable,
// rejected).
func (r *Recorder) ObservePlatformError(operation, kind string) {
	label := PlatformCallLabel{Operation: normalizeName(operation), ErrorKind: normalizeName(kind)}
	r.mu.Lock()
	r.platformCalls[label]++
	r.mu.Unlock()
}

// SchedulerPass records a completed scheduler sweep.
func (r *Recorder) SchedulerPass() {
	r.mu.Lock()
	r.schedulerPasses++
	r.mu.Unlock()
}

// SessionPromoted records a scheduled session being promoted to live.
func (r *Recorder) SessionPromoted() {
	r.mu.Lock()
	r.promotions++
	r.mu.Unlock()
}

// ObserveReconciliation records the outcome of a reconciliation check on a
// live simulcast session (e.g. "unchanged", "completed", "unreachable").
func (r *Recorder) ObserveReconciliation(outcome string) {
	name := normalizeName(outcome)
	r.mu.Lock()
	r.reconciliations[name]++
	r.mu.Unlock()
}

// ObserveCredentialEvent records a credential issuer operation
// (e.g. "issued", "revoked", "rejected").
func (r *Recorder) ObserveCredentialEvent(event string) {
	name := normalizeName(event)
	r.mu.Lock()
	r.credentialEvents[name]++
	r.mu.Unlock()
}

// ActiveSessions exposes the current gauge of concurrently live sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// SessionEventCounts returns copies of the lifecycle and per-strategy
// creation counters for testing and reporting purposes.
func (r *Recorder) SessionEventCounts() (events map[string]uint64, created map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[string]uint64, len(r.sessionEvents))
	for k, v := range r.sessionEvents {
		events[k] = v
	}
	created = make(map[string]uint64, len(r.sessionsCreated))
	for k, v := range r.sessionsCreated {
		created[k] = v
	}
	return events, created
}

// PlatformCallCounts returns a copy of the platform call counters.
func (r *Recorder) PlatformCallCounts() map[PlatformCallLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	calls := make(map[PlatformCallLabel]uint64, len(r.platformCalls))
	for k, v := range r.platformCalls {
		calls[k] = v
	}
	return calls
}

// SchedulerCounts returns the sweep and promotion totals.
func (r *Recorder) SchedulerCounts() (passes, promotions uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schedulerPasses, r.promotions
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.sessionsCreated = make(map[string]uint64)
	r.platformCalls = make(map[PlatformCallLabel]uint64)
	r.schedulerPasses = 0
	r.promotions = 0
	r.reconciliations = make(map[string]uint64)
	r.credentialEvents = make(map[string]uint64)
	r.activeSessions.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	createdStrategies := sortedKeys(r.sessionsCreated)
	platformLabels := r.sortedPlatformLabels()
	reconciliations := sortedKeys(r.reconciliations)
	credentialEvents := sortedKeys(r.credentialEvents)

	fmt.Fprintln(w, "# HELP campuscast_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE campuscast_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "campuscast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP campuscast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE campuscast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "campuscast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP campuscast_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE campuscast_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "campuscast_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP campuscast_session_events_total Session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE campuscast_session_events_total counter")
	for _, event := range sessionEvents {
		value := r.sessionEvents[event]
		fmt.Fprintf(w, "campuscast_session_events_total{event=\"%s\"} %d\n", event, value)
	}

	fmt.Fprintln(w, "# HELP campuscast_sessions_created_total Sessions created by ingest strategy")
	fmt.Fprintln(w, "# TYPE campuscast_sessions_created_total counter")
	for _, strategy := range createdStrategies {
		value := r.sessionsCreated[strategy]
		fmt.Fprintf(w, "campuscast_sessions_created_total{strategy=\"%s\"} %d\n", strategy, value)
	}

	fmt.Fprintln(w, "# HELP campuscast_active_sessions Current number of sessions marked as live")
	fmt.Fprintln(w, "# TYPE campuscast_active_sessions gauge")
	fmt.Fprintf(w, "campuscast_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP campuscast_platform_calls_total External platform API calls by operation and error kind")
	fmt.Fprintln(w, "# TYPE campuscast_platform_calls_total counter")
	for _, label := range platformLabels {
		count := r.platformCalls[label]
		fmt.Fprintf(w, "campuscast_platform_calls_total{operation=\"%s\",error=\"%s\"} %d\n", label.Operation, label.ErrorKind, count)
	}

	fmt.Fprintln(w, "# HELP campuscast_scheduler_passes_total Completed scheduler sweeps")
	fmt.Fprintln(w, "# TYPE campuscast_scheduler_passes_total counter")
	fmt.Fprintf(w, "campuscast_scheduler_passes_total %d\n", r.schedulerPasses)

	fmt.Fprintln(w, "# HELP campuscast_sessions_promoted_total Scheduled sessions promoted to live by the scheduler")
	fmt.Fprintln(w, "# TYPE campuscast_sessions_promoted_total counter")
	fmt.Fprintf(w, "campuscast_sessions_promoted_total %d\n", r.promotions)

	fmt.Fprintln(w, "# HELP campuscast_reconciliations_total Reconciliation outcomes for live simulcast sessions")
	fmt.Fprintln(w, "# TYPE campuscast_reconciliations_total counter")
	for _, outcome := range reconciliations {
		count := r.reconciliations[outcome]
		fmt.Fprintf(w, "campuscast_reconciliations_total{outcome=\"%s\"} %d\n", outcome, count)
	}

	fmt.Fprintln(w, "# HELP campuscast_credential_events_total Credential issuer operations by type")
	fmt.Fprintln(w, "# TYPE campuscast_credential_events_total counter")
	for _, event := range credentialEvents {
		count := r.credentialEvents[event]
		fmt.Fprintf(w, "campuscast_credential_events_total{event=\"%s\"} %d\n", event, count)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedPlatformLabels() []PlatformCallLabel {
	labels := make([]PlatformCallLabel, 0, len(r.platformCalls))
	for label := range r.platformCalls {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Operation != labels[j].Operation {
			return labels[i].Operation < labels[j].Operation
		}
		return labels[i].ErrorKind < labels[j].ErrorKind
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObservePlatformCall records a platform call on the default recorder.
func ObservePlatformCall(operation string) {
	defaultRecorder.ObservePlatformCall(operation)
}

// ObservePlatformError records a failed platform call on the default recorder.
func ObservePlatformError(operation, kind string) {
	defaultRecorder.ObservePlatformError(operation, kind)
}

// ObserveCredentialEvent records a credential operation on the default recorder.
func ObserveCredentialEvent(event string) {
	defaultRecorder.ObserveCredentialEvent(event)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
