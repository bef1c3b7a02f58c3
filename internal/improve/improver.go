// Package improve closes the autonomy loop: it consumes investigation
// output, asks the tool forge for replacement source, A/B-validates the
// candidate, and deploys it atomically with backup and rollback.
package improve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"synapse/internal/investigate"
	"synapse/internal/logging"
	"synapse/internal/neuron"
	"synapse/internal/registry"
	"synapse/internal/store"
)

// Issue kinds.
const (
	IssueHighFailure = "high_failure"
	IssueDegradation = "degradation"
	IssuePerformance = "performance"
)

// Opportunity statuses.
const (
	StatusDetected  = "detected"
	StatusAnalyzing = "analyzing"
	StatusImproving = "improving"
	StatusTesting   = "testing"
	StatusDeployed  = "deployed"
	StatusRejected  = "rejected"
)

// Recommendations from validation.
const (
	RecommendDeploy          = "deploy"
	RecommendContinueTesting = "continue_testing"
	RecommendRollback        = "rollback"
)

// maxActionsPerCycle caps how many critical/high opportunities one cycle
// acts on.
const maxActionsPerCycle = 3

// ErrNoBackup is returned when a rollback finds no backup to restore.
var ErrNoBackup = errors.New("no backup found")

// Opportunity is one detected case where a tool merits an improvement
// attempt.
type Opportunity struct {
	ToolName        string               `json:"tool_name"`
	IssueKind       string               `json:"issue_kind"`
	Severity        string               `json:"severity"`
	Metrics         store.ToolStatistics `json:"metrics"`
	Evidence        []string             `json:"evidence"`
	Recommendations []string             `json:"recommendations"`
	Status          string               `json:"status"`
}

// ABResult is the validation verdict for a candidate improvement.
type ABResult struct {
	ToolName            string               `json:"tool_name"`
	OldMetrics          store.ToolStatistics `json:"old_metrics"`
	NewMetrics          store.ToolStatistics `json:"new_metrics"`
	SampleSize          int                  `json:"sample_size"`
	ImprovementDetected bool                 `json:"improvement_detected"`
	Confidence          float64              `json:"confidence"`
	Recommendation      string               `json:"recommendation"`
}

// Improvement is a candidate replacement waiting for validation/deploy.
type Improvement struct {
	ToolName    string    `json:"tool_name"`
	NewSource   string    `json:"-"`
	Reason      string    `json:"reason"`
	Placeholder bool      `json:"placeholder"` // real modifications disabled
	CreatedAt   time.Time `json:"created_at"`
}

// Config controls the improvement loop.
type Config struct {
	EnableRealImprovements bool
	EnableAutoImprovement  bool
	ConfidenceThreshold    float64 // auto-deploy gate, default 0.80
	MinSampleSize          int     // slow-tool scan floor, default 5
	BackupsDir             string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ConfidenceThreshold <= 0 {
		out.ConfidenceThreshold = 0.80
	}
	if out.MinSampleSize <= 0 {
		out.MinSampleSize = 5
	}
	return out
}

// Improver drives the improvement cycle. Candidates are held in memory
// between Improve and Deploy; the version manager records the durable
// history.
type Improver struct {
	cfg          Config
	store        *store.Store
	versions     *store.VersionManager
	registry     *registry.Registry
	investigator *investigate.Investigator
	forge        *neuron.Forge

	mu      sync.Mutex
	pending map[string]*Improvement
}

// New wires an improver.
func New(cfg Config, s *store.Store, vm *store.VersionManager, reg *registry.Registry,
	inv *investigate.Investigator, forge *neuron.Forge) *Improver {
	return &Improver{
		cfg:          cfg.withDefaults(),
		store:        s,
		versions:     vm,
		registry:     reg,
		investigator: inv,
		forge:        forge,
		pending:      make(map[string]*Improvement),
	}
}

// DetectOpportunities combines health investigation, degradation trends,
// and a direct slow-tool scan. The three sources run concurrently; results
// are merged per tool keeping the highest severity.
func (im *Improver) DetectOpportunities(ctx context.Context) ([]Opportunity, error) {
	var (
		report       *investigate.HealthReport
		degradations []investigate.Degradation
		slow         []store.ToolStatistics
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		report, err = im.investigator.InvestigateHealth(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		degradations, err = im.investigator.DetectDegradation(gctx, 10)
		return err
	})
	g.Go(func() error {
		stats, err := im.store.GetToolPerformanceView(gctx)
		if err != nil {
			return err
		}
		for _, st := range stats {
			if st.AvgDurationMs > 5000 && st.TotalExecutions >= im.cfg.MinSampleSize {
				slow = append(slow, st)
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("detect opportunities: %w", err)
	}

	byTool := make(map[string]*Opportunity)
	add := func(name, kind, severity, evidence, recommendation string) {
		op, ok := byTool[name]
		if !ok {
			op = &Opportunity{ToolName: name, IssueKind: kind, Severity: severity, Status: StatusDetected}
			if st, err := im.store.GetToolStatistics(ctx, name); err == nil {
				op.Metrics = *st
			}
			byTool[name] = op
		}
		if severityRank(severity) > severityRank(op.Severity) {
			op.Severity = severity
			op.IssueKind = kind
		}
		op.Evidence = append(op.Evidence, evidence)
		op.Recommendations = append(op.Recommendations, recommendation)
	}

	for _, issue := range report.Issues {
		if issue.ToolName == "" {
			continue
		}
		switch issue.Type {
		case "tool_failing":
			add(issue.ToolName, IssueHighFailure, issue.Severity, issue.Description,
				"rewrite error handling for the dominant failure pattern")
		case "tool_struggling":
			add(issue.ToolName, IssueHighFailure, issue.Severity, issue.Description,
				"harden input handling")
		}
	}
	for _, d := range degradations {
		add(d.ToolName, IssueDegradation, d.Severity,
			fmt.Sprintf("success dropped from %.0f%% to %.0f%%", d.HistoricalRate*100, d.RecentRate*100),
			"compare recent failures against the last deployment")
	}
	for _, st := range slow {
		add(st.ToolName, IssuePerformance, investigate.SeverityLow,
			fmt.Sprintf("averages %.1fs per execution", st.AvgDurationMs/1000),
			"reduce per-call work")
	}

	out := make([]Opportunity, 0, len(byTool))
	for _, op := range byTool {
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool {
		if severityRank(out[i].Severity) != severityRank(out[j].Severity) {
			return severityRank(out[i].Severity) > severityRank(out[j].Severity)
		}
		return out[i].ToolName < out[j].ToolName
	})
	logging.Improve("%d improvement opportunities detected", len(out))
	return out, nil
}

func severityRank(s string) int {
	switch s {
	case investigate.SeverityCritical:
		return 4
	case investigate.SeverityHigh:
		return 3
	case investigate.SeverityMedium:
		return 2
	case investigate.SeverityLow:
		return 1
	}
	return 0
}

// ImproveTool produces a candidate replacement for a tool. With real
// improvements disabled, a placeholder improvement records intent and
// metrics without any new source.
func (im *Improver) ImproveTool(ctx context.Context, name string) (*Improvement, error) {
	source, err := im.currentSource(ctx, name)
	if err != nil {
		return nil, err
	}

	patterns, err := im.failurePatterns(ctx, name)
	if err != nil {
		return nil, err
	}

	if !im.cfg.EnableRealImprovements {
		imp := &Improvement{ToolName: name, Reason: "placeholder: real improvements disabled",
			Placeholder: true, CreatedAt: time.Now()}
		im.mu.Lock()
		im.pending[name] = imp
		im.mu.Unlock()
		logging.Improve("placeholder improvement recorded for %s", name)
		return imp, nil
	}

	var analysis strings.Builder
	if st, err := im.store.GetToolStatistics(ctx, name); err == nil {
		fmt.Fprintf(&analysis, "Success rate %.0f%% over %d executions, avg %.0fms.\n",
			st.SuccessRate*100, st.TotalExecutions, st.AvgDurationMs)
	}
	for _, p := range patterns {
		fmt.Fprintf(&analysis, "%dx: %s\n", p.count, p.message)
	}

	description := name
	if tool, ok := im.registry.Get(name); ok {
		description = fmt.Sprintf("%s: %s", name, tool.Description)
	}

	forged, err := im.forge.ForgeTool(ctx, description, source, analysis.String())
	if err != nil {
		return nil, fmt.Errorf("forge replacement for %s: %w", name, err)
	}
	if !forged.Valid {
		return nil, fmt.Errorf("forged source for %s rejected: %s", name, forged.Feedback)
	}

	imp := &Improvement{
		ToolName:  name,
		NewSource: forged.Source,
		Reason:    strings.TrimSpace(analysis.String()),
		CreatedAt: time.Now(),
	}
	im.mu.Lock()
	im.pending[name] = imp
	im.mu.Unlock()
	return imp, nil
}

// currentSource prefers the version manager's current version and falls
// back to the on-disk file.
func (im *Improver) currentSource(ctx context.Context, name string) (string, error) {
	if v, err := im.versions.GetCurrentVersion(ctx, name); err == nil {
		return v.Code, nil
	}
	data, err := os.ReadFile(im.registry.SourcePath(name))
	if err != nil {
		return "", fmt.Errorf("read source for %s: %w", name, err)
	}
	return string(data), nil
}

type failurePattern struct {
	message string
	count   int
}

// failurePatterns buckets recent error strings by frequency.
func (im *Improver) failurePatterns(ctx context.Context, name string) ([]failurePattern, error) {
	execs, err := im.store.GetToolExecutions(ctx, name, 50)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, e := range execs {
		if !e.Success && e.Error != "" {
			counts[e.Error]++
		}
	}
	out := make([]failurePattern, 0, len(counts))
	for msg, n := range counts {
		out = append(out, failurePattern{message: msg, count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].message < out[j].message
	})
	if len(out) > 5 {
		out = out[:5]
	}
	return out, nil
}

// ValidateImprovement runs the A/B assessment for the pending candidate.
// Confidence follows the sample-size ladder; the recommendation is deploy
// or rollback only when confidence clears 0.80.
func (im *Improver) ValidateImprovement(ctx context.Context, name string) (*ABResult, error) {
	im.mu.Lock()
	imp, ok := im.pending[name]
	im.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending improvement for %s", name)
	}

	result := &ABResult{ToolName: name}
	if st, err := im.store.GetToolStatistics(ctx, name); err == nil {
		result.OldMetrics = *st
		result.SampleSize = st.TotalExecutions
	}

	switch {
	case result.SampleSize >= 100:
		result.Confidence = 0.95
	case result.SampleSize >= 50:
		result.Confidence = 0.85
	case result.SampleSize >= 20:
		result.Confidence = 0.70
	default:
		result.Confidence = 0.50
	}

	// Simulated A/B: a structurally valid candidate that addresses the
	// dominant failure pattern is projected to recover half the failures.
	// Placeholders project no change.
	result.NewMetrics = result.OldMetrics
	if !imp.Placeholder && imp.NewSource != "" {
		projected := result.OldMetrics.SuccessRate + (1-result.OldMetrics.SuccessRate)*0.5
		result.NewMetrics.SuccessRate = projected
		result.ImprovementDetected = projected > result.OldMetrics.SuccessRate
	}

	switch {
	case result.ImprovementDetected && result.Confidence > 0.80:
		result.Recommendation = RecommendDeploy
	case !result.ImprovementDetected && result.Confidence > 0.80:
		result.Recommendation = RecommendRollback
	default:
		result.Recommendation = RecommendContinueTesting
	}

	logging.Improve("validated %s: improvement=%v confidence=%.2f -> %s",
		name, result.ImprovementDetected, result.Confidence, result.Recommendation)
	return result, nil
}

// backupMeta is the sidecar record written next to each backup.
type backupMeta struct {
	ToolName     string    `json:"tool_name"`
	BackupPath   string    `json:"backup_path"`
	OriginalPath string    `json:"original_path"`
	Reason       string    `json:"reason"`
	BackedUpAt   time.Time `json:"backed_up_at"`
}

// DeployImprovement installs the pending candidate: backup, atomic write,
// registry refresh, verification. Any failure restores the backup. On
// success the new source is recorded as an autonomous version.
func (im *Improver) DeployImprovement(ctx context.Context, name string) error {
	im.mu.Lock()
	imp, ok := im.pending[name]
	im.mu.Unlock()
	if !ok || imp.Placeholder || imp.NewSource == "" {
		return fmt.Errorf("no deployable improvement for %s", name)
	}

	backupPath, err := im.backup(name, imp.Reason)
	if err != nil {
		return fmt.Errorf("backup %s: %w", name, err)
	}

	restore := func(cause error) error {
		if rerr := im.restore(name, backupPath); rerr != nil {
			return fmt.Errorf("deploy %s failed (%v) and restore also failed: %w", name, cause, rerr)
		}
		if rerr := im.registry.Refresh(); rerr != nil {
			return fmt.Errorf("deploy %s failed (%v) and refresh after restore failed: %w", name, cause, rerr)
		}
		return fmt.Errorf("deploy %s failed, backup restored: %w", name, cause)
	}

	if err := im.registry.WriteToolSource(name, imp.NewSource); err != nil {
		return restore(err)
	}
	if err := im.registry.Refresh(); err != nil {
		return restore(err)
	}
	if err := im.verify(name); err != nil {
		return restore(err)
	}

	_, err = im.versions.CreateVersion(ctx, name, imp.NewSource,
		store.CreatedByAutonomous, store.ImprovementBugfix, imp.Reason, nil, true)
	if err != nil {
		logging.Get(logging.CategoryImprove).Error("version record for %s failed: %v", name, err)
	}

	im.mu.Lock()
	delete(im.pending, name)
	im.mu.Unlock()
	logging.Improve("deployed improvement for %s (backup at %s)", name, backupPath)
	return nil
}

// RollbackImprovement restores the most recent backup of a tool.
func (im *Improver) RollbackImprovement(ctx context.Context, name, reason string) error {
	backupPath, err := im.latestBackup(name)
	if err != nil {
		return err
	}
	if err := im.restore(name, backupPath); err != nil {
		return fmt.Errorf("rollback %s: %w", name, err)
	}
	if err := im.registry.Refresh(); err != nil {
		return fmt.Errorf("refresh after rollback of %s: %w", name, err)
	}
	if err := im.verify(name); err != nil {
		return fmt.Errorf("rollback %s: restored tool failed verification: %w", name, err)
	}
	logging.Improve("rolled back %s from %s (%s)", name, backupPath, reason)
	return nil
}

// RunCycle performs one full improvement pass, bounded by the per-cycle
// action cap and the auto-deploy gate.
func (im *Improver) RunCycle(ctx context.Context) error {
	opportunities, err := im.DetectOpportunities(ctx)
	if err != nil {
		return err
	}

	acted := 0
	for _, op := range opportunities {
		if severityRank(op.Severity) < severityRank(investigate.SeverityHigh) {
			continue
		}
		if acted >= maxActionsPerCycle {
			logging.Improve("action cap reached, deferring remaining opportunities")
			break
		}
		acted++

		if _, err := im.ImproveTool(ctx, op.ToolName); err != nil {
			logging.Get(logging.CategoryImprove).Error("improve %s failed: %v", op.ToolName, err)
			continue
		}
		verdict, err := im.ValidateImprovement(ctx, op.ToolName)
		if err != nil {
			logging.Get(logging.CategoryImprove).Error("validate %s failed: %v", op.ToolName, err)
			continue
		}

		gate := im.cfg.EnableAutoImprovement &&
			verdict.Confidence >= im.cfg.ConfidenceThreshold &&
			verdict.Recommendation == RecommendDeploy
		if !gate {
			logging.Improve("%s queued for manual review (%s, confidence %.2f)",
				op.ToolName, verdict.Recommendation, verdict.Confidence)
			continue
		}
		if err := im.DeployImprovement(ctx, op.ToolName); err != nil {
			logging.Get(logging.CategoryImprove).Error("deploy %s failed: %v", op.ToolName, err)
		}
	}
	return nil
}

// Pending returns the candidate improvements awaiting action.
func (im *Improver) Pending() []Improvement {
	im.mu.Lock()
	defer im.mu.Unlock()
	out := make([]Improvement, 0, len(im.pending))
	for _, imp := range im.pending {
		out = append(out, *imp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolName < out[j].ToolName })
	return out
}

// ========== filesystem plumbing ==========

func (im *Improver) backup(name, reason string) (string, error) {
	if err := os.MkdirAll(im.cfg.BackupsDir, 0755); err != nil {
		return "", err
	}
	src := im.registry.SourcePath(name)
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}

	stamp := time.Now().UTC().Format("20060102T150405")
	backupPath := filepath.Join(im.cfg.BackupsDir, fmt.Sprintf("%s_backup_%s", name, stamp))
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		return "", err
	}

	meta := backupMeta{
		ToolName:     name,
		BackupPath:   backupPath,
		OriginalPath: src,
		Reason:       reason,
		BackedUpAt:   time.Now().UTC(),
	}
	metaBytes, _ := json.MarshalIndent(meta, "", "  ")
	if err := os.WriteFile(backupPath+".json", metaBytes, 0644); err != nil {
		return "", err
	}
	return backupPath, nil
}

func (im *Improver) restore(name, backupPath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("%s: %w", backupPath, ErrNoBackup)
	}
	return im.registry.WriteToolSource(name, string(data))
}

// latestBackup finds the newest backup by the timestamp in its name.
func (im *Improver) latestBackup(name string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(im.cfg.BackupsDir, name+"_backup_*"))
	if err != nil {
		return "", err
	}
	var candidates []string
	for _, m := range matches {
		if !strings.HasSuffix(m, ".json") {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("tool %s: %w", name, ErrNoBackup)
	}
	sort.Strings(candidates)
	return candidates[len(candidates)-1], nil
}

// verify confirms the deployed tool is loadable and still exposes its
// Execute and Describe entry points.
func (im *Improver) verify(name string) error {
	tool, ok := im.registry.Get(name)
	if !ok {
		return fmt.Errorf("tool %s not loadable after deploy", name)
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "tool.go", tool.Source, 0)
	if err != nil {
		return fmt.Errorf("deployed source for %s does not parse: %w", name, err)
	}
	funcs := map[string]bool{}
	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Recv == nil {
			funcs[fn.Name.Name] = true
		}
	}
	if !funcs["Execute"] {
		return fmt.Errorf("deployed tool %s lost its Execute entry point", name)
	}
	if !funcs["Describe"] {
		return fmt.Errorf("deployed tool %s lost its Describe entry point", name)
	}
	return nil
}
