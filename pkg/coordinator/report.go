package coordinator

import (
	"context"
	"time"

	"github.com/vigil-soc/vigil/pkg/incident"
	"github.com/vigil-soc/vigil/pkg/models"
	"github.com/vigil-soc/vigil/pkg/storage"
)

// writeReport assembles the resolution report and hands it to the reporting
// workflow. Both the index write and the envelope are fire-and-forget:
// reporting never fails a resolved incident.
func (c *Coordinator) writeReport(ctx context.Context, inc *incident.Incident) {
	report := models.Report{
		IncidentID:       inc.IncidentID,
		IncidentType:     inc.IncidentType,
		Severity:         inc.Severity,
		ResolutionType:   inc.ResolutionType,
		ReflectionCount:  inc.ReflectionCount,
		AffectedServices: inc.AffectedServices,
		Summary:          inc.InvestigationSummary,
		TimingMS:         inc.TimingMetrics,
		CreatedAt:        c.now().UTC().Format(time.RFC3339Nano),
	}

	if err := c.store.Index(ctx, storage.IndexReports, "", report); err != nil {
		c.logger.Warn("Failed to index resolution report",
			"incident_id", inc.IncidentID, "error", err)
	}

	c.notify(ctx, agentReporter, inc.IncidentID, map[string]any{
		"task":        "publish_report",
		"incident_id": inc.IncidentID,
		"report":      report,
	})
}
