// Package enrich joins raw records with reference data.
//
// The join is pure and in-memory: reference maps are built once per sync
// run, and every record gets fixed projections of its related entities
// attached. A relation whose id has no reference entry stays nil, so the
// serialized record carries no key for it at all, never a null.
package enrich

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/crmtools/crmsync/pkg/crm"
)

// References holds the reference lookup maps for one sync run.
// Built once, read-only afterwards.
type References struct {
	Users  map[int64]crm.User
	Stages map[int64]crm.Stage
	Fields map[int64]crm.FieldDef
}

// BuildReferences indexes the reference datasets by id.
func BuildReferences(users []crm.User, stages []crm.Stage, fields []crm.FieldDef) References {
	refs := References{
		Users:  make(map[int64]crm.User, len(users)),
		Stages: make(map[int64]crm.Stage, len(stages)),
		Fields: make(map[int64]crm.FieldDef, len(fields)),
	}
	for _, u := range users {
		refs.Users[u.ID] = u
	}
	for _, s := range stages {
		refs.Stages[s.ID] = s
	}
	for _, f := range fields {
		refs.Fields[f.ID] = f
	}
	return refs
}

// OwnerInfo is the fixed owner projection attached to enriched records.
type OwnerInfo struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// StageInfo is the fixed stage projection attached to enriched records.
type StageInfo struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	PipelineID int64  `json:"pipeline_id"`
}

// CustomField is a resolved custom-field value.
type CustomField struct {
	Value   string `json:"value"`
	FieldID int64  `json:"field_id"`
	Type    string `json:"type"`
}

// Record is an enriched record: the raw record unchanged plus resolved
// relation projections and a custom-field lookup map keyed by field tag.
type Record struct {
	crm.Record

	Owner  *OwnerInfo             `json:"owner,omitempty"`
	Stage  *StageInfo             `json:"stage,omitempty"`
	Custom map[string]CustomField `json:"fields,omitempty"`
}

// Enrich resolves relations for every record against the reference maps.
// Input records are never mutated.
func Enrich(records []crm.Record, refs References) []Record {
	out := make([]Record, 0, len(records))
	droppedValues := 0

	for _, raw := range records {
		rec := Record{Record: raw}

		if raw.OwnerID > 0 {
			if u, ok := refs.Users[raw.OwnerID]; ok {
				rec.Owner = &OwnerInfo{ID: u.ID, Name: u.Name, Email: u.Email}
			}
		}

		if raw.StageID > 0 {
			if s, ok := refs.Stages[raw.StageID]; ok {
				rec.Stage = &StageInfo{ID: s.ID, Name: s.Name, PipelineID: s.PipelineID}
			}
		}

		if len(raw.Fields) > 0 {
			resolved := make(map[string]CustomField, len(raw.Fields))
			for _, fv := range raw.Fields {
				def, ok := refs.Fields[fv.FieldID]
				if !ok {
					// Value without metadata is dropped.
					droppedValues++
					continue
				}
				key := def.Tag
				if key == "" {
					key = fmt.Sprintf("field_%d", fv.FieldID)
				}
				resolved[key] = CustomField{
					Value:   strings.Join(fv.Values, ", "),
					FieldID: fv.FieldID,
					Type:    def.Type,
				}
			}
			if len(resolved) > 0 {
				rec.Custom = resolved
			}
		}

		out = append(out, rec)
	}

	if droppedValues > 0 {
		log.Debug().
			Int("dropped_values", droppedValues).
			Msg("Custom-field values without definitions dropped")
	}

	return out
}
