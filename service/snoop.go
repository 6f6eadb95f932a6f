package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/model"
)

// snoopRecorder implements the pipeline's snoop sink. Captured payloads
// accumulate per mapping until the tenant's sample limit is reached; then
// the mapping transitions to STOPPED and leaves capture mode. Progress is
// written back through the repository so snooping survives restarts.
type snoopRecorder struct {
	svc    *MapperService
	logger *slog.Logger

	mu      sync.Mutex
	samples map[string]map[string][]string
}

func newSnoopRecorder(svc *MapperService, logger *slog.Logger) *snoopRecorder {
	return &snoopRecorder{
		svc:     svc,
		logger:  logger.With("component", "snoop"),
		samples: make(map[string]map[string][]string),
	}
}

// RecordSnoopedTemplate captures one raw payload as a template sample.
func (sr *snoopRecorder) RecordSnoopedTemplate(tenant string, mapping *model.Mapping, payload []byte) error {
	limit := sr.svc.tenantConfig(tenant).SnoopSampleLimit
	if limit <= 0 {
		limit = 5
	}

	sr.mu.Lock()
	byID, ok := sr.samples[tenant]
	if !ok {
		byID = make(map[string][]string)
		sr.samples[tenant] = byID
	}
	templates, seeded := byID[mapping.Identifier]
	if !seeded && len(mapping.SnoopedTemplates) > 0 {
		templates = append(templates, mapping.SnoopedTemplates...)
	}
	if len(templates) >= limit {
		// A concurrent capture already filled the quota.
		sr.mu.Unlock()
		return nil
	}
	templates = append(templates, string(payload))
	byID[mapping.Identifier] = templates
	captured := make([]string, len(templates))
	copy(captured, templates)
	sr.mu.Unlock()

	status := model.SnoopStarted
	if len(captured) >= limit {
		status = model.SnoopStopped
	}

	update := mapping.Clone()
	update.SnoopStatus = status
	update.SnoopedTemplates = captured
	update.SourceTemplate = captured[len(captured)-1]

	if err := sr.svc.registry.AddMapping(tenant, update); err != nil {
		return err
	}
	if status == model.SnoopStopped {
		sr.svc.updateGauges(tenant)
		sr.logger.Info("snoop capture complete",
			"tenant", tenant, "mapping", mapping.Identifier, "samples", len(captured))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sr.svc.repo.UpdateMapping(ctx, tenant, update); err != nil {
		sr.logger.Error("persisting snooped templates failed",
			"tenant", tenant, "mapping", mapping.Identifier, "error", err)
	}
	return nil
}

func (sr *snoopRecorder) remove(tenant, identifier string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if byID, ok := sr.samples[tenant]; ok {
		delete(byID, identifier)
	}
}

func (sr *snoopRecorder) removeTenant(tenant string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	delete(sr.samples, tenant)
}
