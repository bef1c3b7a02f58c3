// Package investigate reads the execution record to score system health,
// detect anomalies and degradation, and raise alerts. It never mutates
// tools; acting on its findings belongs to autonomous improvement.
package investigate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"synapse/internal/logging"
	"synapse/internal/store"
)

// Health statuses.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
	StatusNoData   = "no_data"
)

// Success-rate buckets and their health weights.
const (
	excellentFloor = 0.9
	goodFloor      = 0.7
	strugglingFloor = 0.5
)

// Status thresholds on the weighted health score.
const (
	healthyFloor = 0.8
	warningFloor = 0.6
)

// Issue severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// slowExecutionMs flags executions that took over five seconds.
const slowExecutionMs = 5000

// recentFailureFloor: more than this many recent failures is an issue.
const recentFailureFloor = 5

// spikeFloor: more than this many recent failures is a failure spike.
const spikeFloor = 10

// Issue is one detected problem.
type Issue struct {
	Type        string `json:"issue_type"`
	ToolName    string `json:"tool_name,omitempty"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// HealthReport is the output of one investigation.
type HealthReport struct {
	HealthScore     float64             `json:"health_score"`
	Status          string              `json:"status"`
	ToolCategories  map[string][]string `json:"tool_categories"`
	Issues          []Issue             `json:"issues"`
	Insights        []string            `json:"insights"`
	BestPerformer   string              `json:"best_performer,omitempty"`
	WorstPerformer  string              `json:"worst_performer,omitempty"`
	DurationMs      int64               `json:"duration_ms"`
	InvestigationID string              `json:"investigation_id"`
}

// Anomaly is a deviation from the rolling baseline.
type Anomaly struct {
	Kind        string  `json:"kind"` // health_degradation, failure_spike, new_failure
	Severity    string  `json:"severity"`
	Description string  `json:"description"`
	Delta       float64 `json:"delta,omitempty"`
}

// Degradation is a declining trend for one tool.
type Degradation struct {
	ToolName       string  `json:"tool_name"`
	RecentRate     float64 `json:"recent_success_rate"`
	HistoricalRate float64 `json:"historical_success_rate"`
	Severity       string  `json:"severity"`
}

// Alert is published when health falls below the alert threshold or a new
// high-severity issue appears.
type Alert struct {
	Reason string       `json:"reason"`
	Report HealthReport `json:"report"`
	Issue  *Issue       `json:"issue,omitempty"`
	At     time.Time    `json:"at"`
}

// Investigator computes health from the execution store. Baseline,
// alert-dedup, and first-seen-failure state persist across runs within the
// process.
type Investigator struct {
	store *store.Store

	mu             sync.Mutex
	baseline       float64
	hasBaseline    bool
	alerted        map[string]bool
	seenFailures   map[string]bool
	alertThreshold float64
	alerts         chan Alert
}

// New creates an investigator. Alerts are published on a buffered channel;
// when nobody drains it, old alerts are dropped rather than blocking.
func New(s *store.Store) *Investigator {
	return &Investigator{
		store:          s,
		alerted:        make(map[string]bool),
		seenFailures:   make(map[string]bool),
		alertThreshold: warningFloor,
		alerts:         make(chan Alert, 16),
	}
}

// SetAlertThreshold overrides the health score below which every
// investigation publishes an alert. Values outside (0, 1] are ignored.
func (inv *Investigator) SetAlertThreshold(t float64) {
	if t <= 0 || t > 1 {
		return
	}
	inv.mu.Lock()
	inv.alertThreshold = t
	inv.mu.Unlock()
}

// Alerts returns the alert stream.
func (inv *Investigator) Alerts() <-chan Alert { return inv.alerts }

// InvestigateHealth buckets tools by success rate, scores overall health as
// the weighted bucket average, and derives issues and insights.
func (inv *Investigator) InvestigateHealth(ctx context.Context) (*HealthReport, error) {
	start := time.Now()
	report := &HealthReport{
		InvestigationID: uuid.New().String(),
		ToolCategories: map[string][]string{
			"excellent": {}, "good": {}, "struggling": {}, "failing": {},
		},
	}

	stats, err := inv.store.GetToolPerformanceView(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tool performance: %w", err)
	}
	if len(stats) == 0 {
		report.Status = StatusNoData
		report.DurationMs = time.Since(start).Milliseconds()
		return report, nil
	}

	var weighted float64
	best, worst := stats[0], stats[0]
	for _, st := range stats {
		switch {
		case st.SuccessRate >= excellentFloor:
			report.ToolCategories["excellent"] = append(report.ToolCategories["excellent"], st.ToolName)
			weighted += 1.0
		case st.SuccessRate >= goodFloor:
			report.ToolCategories["good"] = append(report.ToolCategories["good"], st.ToolName)
			weighted += 0.75
		case st.SuccessRate >= strugglingFloor:
			report.ToolCategories["struggling"] = append(report.ToolCategories["struggling"], st.ToolName)
			weighted += 0.5
			report.Issues = append(report.Issues, Issue{
				Type: "tool_struggling", ToolName: st.ToolName, Severity: SeverityMedium,
				Description: fmt.Sprintf("%s succeeds only %.0f%% of the time", st.ToolName, st.SuccessRate*100),
			})
		default:
			report.ToolCategories["failing"] = append(report.ToolCategories["failing"], st.ToolName)
			report.Issues = append(report.Issues, Issue{
				Type: "tool_failing", ToolName: st.ToolName, Severity: SeverityHigh,
				Description: fmt.Sprintf("%s fails %.0f%% of the time over %d executions",
					st.ToolName, (1-st.SuccessRate)*100, st.TotalExecutions),
			})
		}
		if st.SuccessRate > best.SuccessRate {
			best = st
		}
		if st.SuccessRate < worst.SuccessRate {
			worst = st
		}
		if st.AvgDurationMs > slowExecutionMs {
			report.Issues = append(report.Issues, Issue{
				Type: "slow_tool", ToolName: st.ToolName, Severity: SeverityLow,
				Description: fmt.Sprintf("%s averages %.1fs per execution", st.ToolName, st.AvgDurationMs/1000),
			})
		}
	}
	report.HealthScore = weighted / float64(len(stats))

	switch {
	case report.HealthScore >= healthyFloor:
		report.Status = StatusHealthy
	case report.HealthScore >= warningFloor:
		report.Status = StatusWarning
	default:
		report.Status = StatusCritical
	}

	recentFailures, err := inv.store.GetRecentToolFailures(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("count recent failures: %w", err)
	}
	if recentFailures > recentFailureFloor {
		report.Issues = append(report.Issues, Issue{
			Type: "failure_volume", Severity: SeverityMedium,
			Description: fmt.Sprintf("%d tool failures in the last hour", recentFailures),
		})
	}

	report.BestPerformer = best.ToolName
	report.WorstPerformer = worst.ToolName
	report.Insights = append(report.Insights,
		fmt.Sprintf("%d tools tracked, health %.2f (%s)", len(stats), report.HealthScore, report.Status),
		fmt.Sprintf("best performer %s (%.0f%%), worst %s (%.0f%%)",
			best.ToolName, best.SuccessRate*100, worst.ToolName, worst.SuccessRate*100))

	report.DurationMs = time.Since(start).Milliseconds()
	logging.Investigate("health %.2f (%s), %d issues in %dms",
		report.HealthScore, report.Status, len(report.Issues), report.DurationMs)

	inv.maybeAlert(report)
	return report, nil
}

// DetectAnomalies compares the current health against the rolling baseline
// and reports degradations, failure spikes, and first-seen tool failures.
func (inv *Investigator) DetectAnomalies(ctx context.Context) ([]Anomaly, error) {
	report, err := inv.InvestigateHealth(ctx)
	if err != nil {
		return nil, err
	}
	if report.Status == StatusNoData {
		return nil, nil
	}

	var anomalies []Anomaly

	inv.mu.Lock()
	if inv.hasBaseline {
		drop := inv.baseline - report.HealthScore
		if drop > 0.20 {
			anomalies = append(anomalies, Anomaly{
				Kind: "health_degradation", Severity: SeverityHigh, Delta: drop,
				Description: fmt.Sprintf("health dropped %.2f from baseline %.2f", drop, inv.baseline),
			})
		} else if drop > 0.10 {
			anomalies = append(anomalies, Anomaly{
				Kind: "health_degradation", Severity: SeverityMedium, Delta: drop,
				Description: fmt.Sprintf("health dropped %.2f from baseline %.2f", drop, inv.baseline),
			})
		}
	}
	// Rolling baseline: average of the old baseline and the new score.
	if inv.hasBaseline {
		inv.baseline = (inv.baseline + report.HealthScore) / 2
	} else {
		inv.baseline = report.HealthScore
		inv.hasBaseline = true
	}
	inv.mu.Unlock()

	recentFailures, err := inv.store.GetRecentToolFailures(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	if recentFailures > spikeFloor {
		anomalies = append(anomalies, Anomaly{
			Kind: "failure_spike", Severity: SeverityHigh,
			Description: fmt.Sprintf("%d tool failures in the last hour", recentFailures),
		})
	}

	// First-seen failures are tracked separately from alert dedup so a tool
	// that already alerted still surfaces here once.
	inv.mu.Lock()
	for _, issue := range report.Issues {
		if issue.Type != "tool_failing" {
			continue
		}
		key := issue.Type + "|" + issue.ToolName
		if !inv.seenFailures[key] {
			inv.seenFailures[key] = true
			anomalies = append(anomalies, Anomaly{
				Kind: "new_failure", Severity: issue.Severity,
				Description: issue.Description,
			})
		}
	}
	inv.mu.Unlock()

	if len(anomalies) > 0 {
		logging.Investigate("%d anomalies detected", len(anomalies))
	}
	return anomalies, nil
}

// degradationSample is how many recent executions form the "recent" rate.
const degradationSample = 20

// DetectDegradation compares recent vs historical success for the most-used
// tools and reports the ones declining.
func (inv *Investigator) DetectDegradation(ctx context.Context, topN int) ([]Degradation, error) {
	if topN <= 0 {
		topN = 10
	}
	tools, err := inv.store.GetMostUsedTools(ctx, topN)
	if err != nil {
		return nil, fmt.Errorf("load most used tools: %w", err)
	}

	var out []Degradation
	for _, st := range tools {
		execs, err := inv.store.GetToolExecutions(ctx, st.ToolName, degradationSample)
		if err != nil {
			return nil, err
		}
		if len(execs) < 5 {
			continue
		}
		successes := 0
		for _, e := range execs {
			if e.Success {
				successes++
			}
		}
		recent := float64(successes) / float64(len(execs))
		if recent >= st.SuccessRate {
			continue
		}
		d := Degradation{
			ToolName:       st.ToolName,
			RecentRate:     recent,
			HistoricalRate: st.SuccessRate,
			Severity:       SeverityMedium,
		}
		if recent < 0.5 {
			d.Severity = SeverityHigh
		}
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RecentRate < out[j].RecentRate })
	return out, nil
}

// maybeAlert publishes an alert when health falls below the configured
// threshold or a high-severity issue appears for the first time. Duplicate
// issues are suppressed through the alerted set.
func (inv *Investigator) maybeAlert(report *HealthReport) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if report.HealthScore < inv.alertThreshold {
		inv.publish(Alert{Reason: "health_below_threshold", Report: *report, At: time.Now()})
		return
	}

	for i := range report.Issues {
		issue := report.Issues[i]
		if issue.Severity != SeverityHigh && issue.Severity != SeverityCritical {
			continue
		}
		key := issue.Type + "|" + issue.ToolName
		if inv.alerted[key] {
			continue
		}
		inv.alerted[key] = true
		inv.publish(Alert{Reason: "new_high_severity_issue", Report: *report, Issue: &issue, At: time.Now()})
	}
}

func (inv *Investigator) publish(a Alert) {
	select {
	case inv.alerts <- a:
	default:
		// Drop the oldest alert to make room.
		select {
		case <-inv.alerts:
		default:
		}
		select {
		case inv.alerts <- a:
		default:
		}
	}
	logging.Investigate("alert published: %s", a.Reason)
}
