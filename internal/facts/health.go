package facts

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"devloop/internal/logging"
)

// HealthSnapshot is computed on demand, never stored.
type HealthSnapshot struct {
	DBSizeMB         float64    `json:"dbSizeMb"`
	TotalMemories    int        `json:"totalMemories"`
	ExtractionErrors int        `json:"extractionErrors"` // rolling 24h window
	LastExtractionAt *time.Time `json:"lastExtractionAt,omitempty"`
	LastCleanupAt    *time.Time `json:"lastCleanupAt,omitempty"`
	FTSAvailable     bool       `json:"ftsAvailable"`
	DailySummaries   int        `json:"dailySummaries"`
	WeeklySummaries  int        `json:"weeklySummaries"`
}

// HealthThresholds trip alerts when exceeded.
type HealthThresholds struct {
	DBSizeMB     float64 `json:"dbSizeMb"`
	ErrorsPerDay int     `json:"errorsPerDay"`
	StaleDays    int     `json:"staleDays"`
}

// DefaultThresholds are sensible for a single-user local store.
func DefaultThresholds() HealthThresholds {
	return HealthThresholds{DBSizeMB: 500, ErrorsPerDay: 10, StaleDays: 7}
}

// AlertSeverity grades an alert.
type AlertSeverity string

const (
	SeverityWarn     AlertSeverity = "warn"
	SeverityCritical AlertSeverity = "critical"
)

// HealthAlert is one threshold violation.
type HealthAlert struct {
	Severity  AlertSeverity `json:"severity"`
	Type      string        `json:"type"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthStatus is the aggregate state.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthDisabled HealthStatus = "disabled"
)

// HealthSummary is the full health report.
type HealthSummary struct {
	Status       HealthStatus     `json:"status"`
	Snapshot     *HealthSnapshot  `json:"snapshot,omitempty"`
	Thresholds   HealthThresholds `json:"thresholds"`
	ActiveAlerts []HealthAlert    `json:"activeAlerts"`
}

// maxAlerts bounds the alert ring buffer.
const maxAlerts = 50

// HealthMonitor runs health checks and keeps recent alerts.
type HealthMonitor struct {
	store      *Store
	thresholds HealthThresholds
	enabled    bool

	mu     sync.Mutex
	alerts []HealthAlert // ring, newest last
}

// NewHealthMonitor wires a monitor.
func NewHealthMonitor(store *Store, thresholds HealthThresholds, enabled bool) *HealthMonitor {
	return &HealthMonitor{store: store, thresholds: thresholds, enabled: enabled}
}

// Snapshot computes the current HealthSnapshot.
func (h *HealthMonitor) Snapshot() (*HealthSnapshot, error) {
	snap := &HealthSnapshot{FTSAvailable: h.store.FTSAvailable()}

	size, err := h.store.SizeBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to stat database: %w", err)
	}
	snap.DBSizeMB = float64(size) / (1024 * 1024)

	if snap.TotalMemories, err = h.store.Count(); err != nil {
		return nil, err
	}
	if snap.DailySummaries, snap.WeeklySummaries, err = h.store.SummaryCounts(); err != nil {
		return nil, err
	}

	dayAgo := time.Now().Add(-24 * time.Hour).UnixMilli()
	if err := h.store.db.QueryRow(`SELECT COUNT(*) FROM extraction_log
		WHERE ok = 0 AND at >= ?`, dayAgo).Scan(&snap.ExtractionErrors); err != nil {
		return nil, fmt.Errorf("failed to count extraction errors: %w", err)
	}

	var last sql.NullInt64
	if err := h.store.db.QueryRow(`SELECT MAX(at) FROM extraction_log WHERE ok = 1`).Scan(&last); err == nil && last.Valid {
		t := time.UnixMilli(last.Int64).UTC()
		snap.LastExtractionAt = &t
	}
	return snap, nil
}

// RunHealthCheck computes a snapshot and records an alert per violated
// threshold.
func (h *HealthMonitor) RunHealthCheck() (*HealthSnapshot, error) {
	if !h.enabled {
		return nil, nil
	}
	timer := logging.StartTimer(logging.CategoryHealth, "RunHealthCheck")
	defer timer.Stop()

	snap, err := h.Snapshot()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	if h.thresholds.DBSizeMB > 0 && snap.DBSizeMB > h.thresholds.DBSizeMB {
		sev := SeverityWarn
		if snap.DBSizeMB > 2*h.thresholds.DBSizeMB {
			sev = SeverityCritical
		}
		h.addAlert(HealthAlert{
			Severity:  sev,
			Type:      "db_size",
			Message:   fmt.Sprintf("database is %.1f MB (threshold %.1f MB)", snap.DBSizeMB, h.thresholds.DBSizeMB),
			Timestamp: now,
		})
	}
	if h.thresholds.ErrorsPerDay > 0 && snap.ExtractionErrors > h.thresholds.ErrorsPerDay {
		h.addAlert(HealthAlert{
			Severity:  SeverityCritical,
			Type:      "extraction_errors",
			Message:   fmt.Sprintf("%d extraction errors in 24h (threshold %d)", snap.ExtractionErrors, h.thresholds.ErrorsPerDay),
			Timestamp: now,
		})
	}
	if h.thresholds.StaleDays > 0 && snap.LastExtractionAt != nil {
		stale := now.Sub(*snap.LastExtractionAt)
		if stale > time.Duration(h.thresholds.StaleDays)*24*time.Hour {
			h.addAlert(HealthAlert{
				Severity:  SeverityWarn,
				Type:      "stale_extraction",
				Message:   fmt.Sprintf("no successful extraction for %d days", int(stale.Hours()/24)),
				Timestamp: now,
			})
		}
	}

	logging.Health("health check: %.1f MB, %d memories, %d extraction errors",
		snap.DBSizeMB, snap.TotalMemories, snap.ExtractionErrors)
	return snap, nil
}

// addAlert appends to the bounded ring; newest wins.
func (h *HealthMonitor) addAlert(alert HealthAlert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, alert)
	if len(h.alerts) > maxAlerts {
		h.alerts = h.alerts[len(h.alerts)-maxAlerts:]
	}
	logging.Get(logging.CategoryHealth).Warn("[%s] %s: %s", alert.Severity, alert.Type, alert.Message)
}

// ActiveAlerts returns alerts from the last 24 hours, newest first.
func (h *HealthMonitor) ActiveAlerts() []HealthAlert {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := time.Now().Add(-24 * time.Hour)
	var active []HealthAlert
	for i := len(h.alerts) - 1; i >= 0; i-- {
		if h.alerts[i].Timestamp.After(cutoff) {
			active = append(active, h.alerts[i])
		}
	}
	return active
}

// GetHealthSummary aggregates status, snapshot, thresholds and active alerts.
// Status is the max severity among active alerts.
func (h *HealthMonitor) GetHealthSummary() (*HealthSummary, error) {
	if !h.enabled {
		return &HealthSummary{Status: HealthDisabled, Thresholds: h.thresholds, ActiveAlerts: []HealthAlert{}}, nil
	}
	snap, err := h.Snapshot()
	if err != nil {
		return nil, err
	}

	active := h.ActiveAlerts()
	status := HealthOK
	for _, a := range active {
		if a.Severity == SeverityCritical {
			status = HealthCritical
			break
		}
		status = HealthWarning
	}
	if active == nil {
		active = []HealthAlert{}
	}
	return &HealthSummary{
		Status:       status,
		Snapshot:     snap,
		Thresholds:   h.thresholds,
		ActiveAlerts: active,
	}, nil
}
