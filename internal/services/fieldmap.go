// Package services – field-map refresh
//
// The CRM's custom fields are addressed by opaque hash keys, so the
// autopilot keeps a local key-to-name map, refreshed on demand from the
// field metadata endpoints.
package services

import (
	"context"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/averos/crm-autopilot/internal/crm"
	"github.com/averos/crm-autopilot/internal/domain"
	"github.com/averos/crm-autopilot/internal/repo"
)

// FieldMapService refreshes the local field-metadata cache.
type FieldMapService struct {
	// DB is the GORM handle used for the field map.
	DB *gorm.DB
	// CRM is the rate-limited gateway.
	CRM *crm.Client
}

// FieldMapStats reports per-entity refresh counts.
type FieldMapStats struct {
	Refreshed map[string]int `json:"refreshed"`
	Errors    int            `json:"errors"`
}

// Refresh pulls the field metadata for every entity type and upserts it
// into the local map. A failing entity type is counted and skipped so
// the rest still refresh.
func (s *FieldMapService) Refresh(ctx context.Context) (FieldMapStats, error) {
	run, err := repo.StartJobRun(ctx, s.DB, JobFieldSweep)
	if err != nil {
		return FieldMapStats{}, err
	}

	stats := FieldMapStats{Refreshed: make(map[string]int)}
	for _, entity := range []crm.FieldEntityType{
		crm.FieldEntityDeal, crm.FieldEntityLead, crm.FieldEntityPerson, crm.FieldEntityOrg,
	} {
		fields, err := s.CRM.ListFields(ctx, entity)
		if err != nil {
			stats.Errors++
			log.Error().Err(err).Str("entity", string(entity)).Msg("field metadata fetch failed")
			continue
		}
		for _, f := range fields {
			if err := repo.UpsertFieldMap(ctx, s.DB, string(entity), f.Key, f.Name, f.FieldType, f.Options); err != nil {
				stats.Errors++
				log.Error().Err(err).Str("field_key", f.Key).Msg("field map upsert failed")
				continue
			}
			stats.Refreshed[string(entity)]++
		}
	}

	status := domain.JobSuccess
	if err := repo.FinishJobRun(ctx, s.DB, run.ID, status, stats); err != nil {
		return stats, err
	}
	return stats, nil
}
