// Package verifier confirms that a remediation actually took hold: it waits
// for the environment to stabilize, runs per-service health checks against
// stored baselines under a hard deadline, and scores the plan's success
// criteria with a dual-threshold verdict.
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vigil-soc/vigil/pkg/a2a"
	"github.com/vigil-soc/vigil/pkg/config"
	"github.com/vigil-soc/vigil/pkg/contracts"
	"github.com/vigil-soc/vigil/pkg/deadline"
	"github.com/vigil-soc/vigil/pkg/incident"
	"github.com/vigil-soc/vigil/pkg/models"
	"github.com/vigil-soc/vigil/pkg/storage"
	"github.com/vigil-soc/vigil/pkg/tools"
)

// healthToolName is the comparison tool run once per affected service.
const healthToolName = "service_health_check"

// verdictColumnSuffix marks the per-metric baseline-verdict columns in the
// tool's columnar result.
const verdictColumnSuffix = "_within_baseline"

const stabilizationProgressEvery = 5 * time.Second

// ToolRunner runs a named tool definition. Satisfied by *tools.Executor.
type ToolRunner interface {
	Execute(ctx context.Context, name string, args map[string]any) (*tools.Result, error)
}

// Verifier answers verify_resolution requests.
type Verifier struct {
	cfg    *config.Config
	store  storage.Store
	tools  ToolRunner
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a verifier.
func New(cfg *config.Config, store storage.Store, runner ToolRunner) *Verifier {
	return &Verifier{
		cfg:    cfg,
		store:  store,
		tools:  runner,
		logger: slog.Default().With("component", "verifier"),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// HandleVerifyResolution validates and runs one verify_resolution envelope.
// Health checks run under the verification deadline; a deadline loss or an
// internal failure produces a degraded failed response rather than an error,
// so the caller's reflection loop always has a verdict to act on.
func (v *Verifier) HandleVerifyResolution(ctx context.Context, env *a2a.Envelope) (*contracts.VerifyResponse, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	var req contracts.VerifyRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode verify request: %w", err)
	}
	if err := contracts.ValidateVerifyRequest(&req); err != nil {
		return nil, err
	}

	// Fetched before the deadline race so degraded responses still carry the
	// right iteration number.
	iteration := v.iterationFor(ctx, req.IncidentID)

	if err := v.waitForStabilization(ctx); err != nil {
		return nil, err
	}

	resp, err := deadline.Run(ctx, v.cfg.VerificationDeadline, func(ctx context.Context) (*contracts.VerifyResponse, error) {
		return v.runHealthChecks(ctx, &req, iteration)
	})
	if err != nil {
		analysis := fmt.Sprintf("Verification error: %v", err)
		if deadline.IsExceeded(err) {
			analysis = fmt.Sprintf("Verification deadline exceeded after %dms", v.cfg.VerificationDeadline.Milliseconds())
		}
		v.logger.Warn("Verification degraded", "incident_id", req.IncidentID, "error", err)
		resp = degradedResponse(analysis, iteration)
	}

	if err := contracts.ValidateVerifyResponse(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// iterationFor derives the 1-based verification iteration from the incident's
// reflection count. A fetch failure defaults to 1 rather than blocking the
// verification itself.
func (v *Verifier) iterationFor(ctx context.Context, incidentID string) int {
	doc, err := v.store.Get(ctx, storage.IndexIncidents, incidentID)
	if err != nil {
		v.logger.Warn("Could not fetch incident for iteration number",
			"incident_id", incidentID, "error", err)
		return 1
	}
	var inc incident.Incident
	if err := doc.Decode(&inc); err != nil {
		v.logger.Warn("Could not decode incident for iteration number",
			"incident_id", incidentID, "error", err)
		return 1
	}
	return inc.ReflectionCount + 1
}

// waitForStabilization sleeps the configured interval before any health
// check, logging progress so a long wait is visibly alive. Zero or negative
// waits are skipped.
func (v *Verifier) waitForStabilization(ctx context.Context) error {
	remaining := v.cfg.StabilizationWait
	if remaining <= 0 {
		return nil
	}
	v.logger.Info("Waiting for environment to stabilize", "wait", remaining)
	for remaining > 0 {
		step := stabilizationProgressEvery
		if remaining < step {
			step = remaining
		}
		if err := v.sleep(ctx, step); err != nil {
			return err
		}
		remaining -= step
		if remaining > 0 {
			v.logger.Info("Still stabilizing", "remaining", remaining)
		}
	}
	return nil
}

// serviceHealth is the parsed output of one health-check tool run: current
// metric values plus per-metric baseline verdicts.
type serviceHealth struct {
	metrics  map[string]float64
	verdicts map[string]bool
}

func (v *Verifier) runHealthChecks(ctx context.Context, req *contracts.VerifyRequest, iteration int) (*contracts.VerifyResponse, error) {
	baselines := v.fetchBaselines(ctx, req.AffectedServices)

	var mu sync.Mutex
	health := make(map[string]*serviceHealth, len(req.AffectedServices))

	// Per-service checks are independent; one slow or broken service must not
	// starve the others, so every goroutine settles and reports.
	g, gctx := errgroup.WithContext(ctx)
	for _, service := range req.AffectedServices {
		service := service
		g.Go(func() error {
			h, err := v.checkService(gctx, service, baselines[service], req.SuccessCriteria)
			if err != nil {
				v.logger.Warn("Health check failed for service",
					"service", service, "error", err)
				return nil
			}
			mu.Lock()
			health[service] = h
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]contracts.CriterionResult, 0, len(req.SuccessCriteria))
	passedCount := 0
	var failures []string
	for _, criterion := range req.SuccessCriteria {
		result := evaluateCriterion(criterion, health[criterion.ServiceName])
		if result.Passed {
			passedCount++
		} else {
			failures = append(failures, describeFailure(criterion, result, baselines[criterion.ServiceName]))
		}
		results = append(results, result)
	}

	score := float64(passedCount) / float64(len(req.SuccessCriteria))
	passed := score >= v.cfg.HealthScoreThreshold

	resp := &contracts.VerifyResponse{
		Passed:          &passed,
		HealthScore:     &score,
		CriteriaResults: results,
		Iteration:       iteration,
	}
	if !passed {
		resp.FailureAnalysis = strings.Join(failures, "; ")
		if resp.FailureAnalysis == "" {
			resp.FailureAnalysis = fmt.Sprintf("health score %.2f below threshold %.2f", score, v.cfg.HealthScoreThreshold)
		}
	}
	v.logger.Info("Verification complete",
		"incident_id", req.IncidentID, "health_score", score, "passed", passed, "iteration", iteration)
	return resp, nil
}

// fetchBaselines loads the statistical baselines for every service in
// parallel. Missing or failing fetches degrade that service's evaluation to
// threshold-only rather than failing the verification.
func (v *Verifier) fetchBaselines(ctx context.Context, services []string) map[string]map[string]models.Baseline {
	var mu sync.Mutex
	out := make(map[string]map[string]models.Baseline, len(services))

	var wg sync.WaitGroup
	for _, service := range services {
		service := service
		wg.Add(1)
		go func() {
			defer wg.Done()
			byMetric, err := v.baselinesFor(ctx, service)
			if err != nil {
				v.logger.Warn("Baseline fetch failed", "service", service, "error", err)
				return
			}
			mu.Lock()
			out[service] = byMetric
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func (v *Verifier) baselinesFor(ctx context.Context, service string) (map[string]models.Baseline, error) {
	res, err := v.store.Search(ctx, storage.IndexBaselines, map[string]any{
		"query": map[string]any{"term": map[string]any{"service_name": service}},
	}, &storage.SearchOptions{Size: 50})
	if err != nil {
		return nil, err
	}
	byMetric := make(map[string]models.Baseline, len(res.Hits))
	for _, hit := range res.Hits {
		var b models.Baseline
		if err := hit.Decode(&b); err != nil {
			return nil, err
		}
		byMetric[b.MetricName] = b
	}
	return byMetric, nil
}

// checkService runs the health-comparison tool for one service and parses the
// columnar result by column name. Missing columns are logged and skipped.
func (v *Verifier) checkService(ctx context.Context, service string, baselines map[string]models.Baseline, criteria []contracts.SuccessCriterion) (*serviceHealth, error) {
	args := map[string]any{
		"service_name":     service,
		"baseline_avg":     0.0,
		"baseline_stddev":  0.0,
		"max_error_rate":   criterionThreshold(criteria, service, "error_rate"),
		"min_throughput":   criterionThreshold(criteria, service, "throughput"),
	}
	if primary, ok := primaryBaseline(baselines); ok {
		args["baseline_avg"] = primary.AvgValue
		args["baseline_stddev"] = primary.StddevValue
	}

	result, err := v.tools.Execute(ctx, healthToolName, args)
	if err != nil {
		return nil, err
	}

	rows := result.Rows()
	if len(rows) == 0 {
		return nil, fmt.Errorf("health check for %s returned no rows", service)
	}

	h := &serviceHealth{metrics: map[string]float64{}, verdicts: map[string]bool{}}
	for name, value := range rows[0] {
		if strings.HasSuffix(name, verdictColumnSuffix) {
			if verdict, ok := value.(bool); ok {
				h.verdicts[strings.TrimSuffix(name, verdictColumnSuffix)] = verdict
			}
			continue
		}
		if f, ok := result.Float(0, name); ok {
			h.metrics[name] = f
		}
	}

	for _, criterion := range criteria {
		if criterion.ServiceName != service {
			continue
		}
		if _, ok := h.metrics[criterion.Metric]; !ok {
			v.logger.Warn("Health check result missing metric column",
				"service", service, "metric", criterion.Metric)
		}
	}
	return h, nil
}

// criterionThreshold finds the explicit threshold a plan set for a metric on
// a service; zero when the plan has no such criterion.
func criterionThreshold(criteria []contracts.SuccessCriterion, service, metric string) float64 {
	for _, c := range criteria {
		if c.ServiceName == service && c.Metric == metric && c.Threshold != nil {
			return *c.Threshold
		}
	}
	return 0
}

// primaryBaseline picks a deterministic representative baseline to feed the
// comparison tool when a service has several.
func primaryBaseline(baselines map[string]models.Baseline) (models.Baseline, bool) {
	if len(baselines) == 0 {
		return models.Baseline{}, false
	}
	if b, ok := baselines["latency"]; ok {
		return b, true
	}
	metrics := make([]string, 0, len(baselines))
	for m := range baselines {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)
	return baselines[metrics[0]], true
}

// evaluateCriterion applies the dual-threshold verdict: the metric must clear
// the explicit threshold, and the baseline comparison (when the tool emitted
// one) must also agree. A service with no health data fails its criteria.
func evaluateCriterion(criterion contracts.SuccessCriterion, health *serviceHealth) contracts.CriterionResult {
	result := contracts.CriterionResult{
		Metric:      criterion.Metric,
		ServiceName: criterion.ServiceName,
		Operator:    criterion.Operator,
	}
	if criterion.Threshold != nil {
		result.Threshold = *criterion.Threshold
	}
	if health == nil {
		return result
	}

	current, ok := health.metrics[criterion.Metric]
	if !ok {
		return result
	}
	result.CurrentValue = current

	thresholdPass := compare(current, result.Threshold, criterion.Operator)
	baselinePass := true
	if verdict, ok := health.verdicts[criterion.Metric]; ok {
		result.BaselineVerdict = &verdict
		baselinePass = verdict
	}
	result.Passed = thresholdPass && baselinePass
	return result
}

func compare(current, threshold float64, operator string) bool {
	switch operator {
	case "lte":
		return current <= threshold
	case "gte":
		return current >= threshold
	case "eq":
		return math.Abs(current-threshold) < 1e-9
	default:
		return false
	}
}

// describeFailure renders one failed criterion for the failure analysis,
// naming the metric, its current value, the threshold, and the baseline when
// one is known.
func describeFailure(criterion contracts.SuccessCriterion, result contracts.CriterionResult, baselines map[string]models.Baseline) string {
	s := fmt.Sprintf("%s on %s: current %.3f violates %s %.3f",
		criterion.Metric, criterion.ServiceName, result.CurrentValue, criterion.Operator, result.Threshold)
	if b, ok := baselines[criterion.Metric]; ok {
		s += fmt.Sprintf(" (baseline avg %.3f ± %.3f)", b.AvgValue, b.StddevValue)
	}
	if result.BaselineVerdict != nil && !*result.BaselineVerdict {
		s += " [outside baseline]"
	}
	return s
}

func degradedResponse(analysis string, iteration int) *contracts.VerifyResponse {
	passed := false
	score := 0.0
	return &contracts.VerifyResponse{
		Passed:          &passed,
		HealthScore:     &score,
		CriteriaResults: []contracts.CriterionResult{},
		FailureAnalysis: analysis,
		Iteration:       iteration,
	}
}
