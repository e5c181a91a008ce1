package usergraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/facetcal/facet/actor"
	"github.com/facetcal/facet/fault"
	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/scheduling"
	"github.com/facetcal/facet/usergraph/store"
)

// Schemas for the per-kind constraint configs. Configs are validated on write
// so the solver can decode them without defensive checks.
var constraintSchemas = map[string]string{
	scheduling.KindWorkingHours: `{
		"type": "object",
		"required": ["days", "start_time", "end_time", "timezone"],
		"properties": {
			"days": {"type": "array", "items": {"type": "integer", "minimum": 1, "maximum": 7}, "minItems": 1},
			"start_time": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
			"end_time": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
			"timezone": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	scheduling.KindTrip: `{
		"type": "object",
		"properties": {
			"name": {"type": "string"},
			"timezone": {"type": "string"},
			"block_policy": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	scheduling.KindBuffer: `{
		"type": "object",
		"required": ["type", "minutes"],
		"properties": {
			"type": {"enum": ["prep", "cooldown"]},
			"minutes": {"type": "integer", "minimum": 1},
			"applies_to": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	scheduling.KindNoMeetingsAfter: `{
		"type": "object",
		"required": ["time", "timezone"],
		"properties": {
			"time": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
			"timezone": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
}

type (
	// VipParams configures one VIP participant.
	VipParams struct {
		ParticipantHash  string  `json:"participant_hash"`
		DisplayName      string  `json:"display_name,omitempty"`
		PriorityWeight   float64 `json:"priority_weight"`
		AllowAfterHours  bool    `json:"allow_after_hours,omitempty"`
		MinNoticeHours   int     `json:"min_notice_hours,omitempty"`
		OverrideDeepWork bool    `json:"override_deep_work,omitempty"`
	}

	// vipConditions is the persisted shape of the behavioral VIP knobs.
	vipConditions struct {
		AllowAfterHours  bool `json:"allow_after_hours,omitempty"`
		MinNoticeHours   int  `json:"min_notice_hours,omitempty"`
		OverrideDeepWork bool `json:"override_deep_work,omitempty"`
	}
)

// AddConstraint validates the config against the kind's schema and stores the
// constraint. activeFrom and activeTo bound time-scoped constraints; zero
// means open-ended.
func (s *Service) AddConstraint(ctx context.Context, userID ident.UserID, kind string, config json.RawMessage, activeFrom, activeTo int64) (store.Constraint, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (store.Constraint, error) {
		if err := validateConstraintConfig(kind, config); err != nil {
			return store.Constraint{}, err
		}
		if activeTo != 0 && activeFrom >= activeTo {
			return store.Constraint{}, fault.Validationf("active window start must precede its end")
		}
		c := store.Constraint{
			ID:         ident.NewConstraintID(),
			UserID:     g.id,
			Kind:       kind,
			ConfigJSON: string(config),
			ActiveFrom: activeFrom,
			ActiveTo:   activeTo,
			CreatedAt:  g.svc.nowMillis(),
		}
		if err := g.svc.store.PutConstraint(ctx, c); err != nil {
			return store.Constraint{}, err
		}
		return c, nil
	})
}

// ListConstraints lists the user's constraints. A non-zero activeAt filters to
// constraints whose active window covers that instant.
func (s *Service) ListConstraints(ctx context.Context, userID ident.UserID, activeAt int64) ([]store.Constraint, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) ([]store.Constraint, error) {
		all, err := g.svc.store.ListConstraints(ctx, g.id)
		if err != nil || activeAt == 0 {
			return all, err
		}
		out := make([]store.Constraint, 0, len(all))
		for _, c := range all {
			if constraintActive(c, activeAt) {
				out = append(out, c)
			}
		}
		return out, nil
	})
}

// RemoveConstraint deletes one constraint.
func (s *Service) RemoveConstraint(ctx context.Context, userID ident.UserID, id ident.ConstraintID) error {
	return s.group.Do(ctx, userID, func(ctx context.Context, g *graph) error {
		err := g.svc.store.DeleteConstraint(ctx, g.id, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("constraint %s: %w", id, fault.ErrNotFound)
		}
		return err
	})
}

// CreateVipPolicy stores one VIP participant policy.
func (s *Service) CreateVipPolicy(ctx context.Context, userID ident.UserID, params VipParams) (store.VipPolicy, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (store.VipPolicy, error) {
		if params.ParticipantHash == "" {
			return store.VipPolicy{}, fault.Validationf("participant hash is required")
		}
		if params.PriorityWeight < 1.0 {
			return store.VipPolicy{}, fault.Validationf("priority weight must be at least 1.0, got %g", params.PriorityWeight)
		}
		conditions, err := json.Marshal(vipConditions{
			AllowAfterHours:  params.AllowAfterHours,
			MinNoticeHours:   params.MinNoticeHours,
			OverrideDeepWork: params.OverrideDeepWork,
		})
		if err != nil {
			return store.VipPolicy{}, err
		}
		v := store.VipPolicy{
			ID:              ident.NewVipID(),
			UserID:          g.id,
			ParticipantHash: params.ParticipantHash,
			DisplayName:     params.DisplayName,
			PriorityWeight:  params.PriorityWeight,
			ConditionsJSON:  string(conditions),
		}
		if err := g.svc.store.PutVip(ctx, v); err != nil {
			return store.VipPolicy{}, err
		}
		return v, nil
	})
}

// ListVipPolicies lists the user's VIP policies.
func (s *Service) ListVipPolicies(ctx context.Context, userID ident.UserID) ([]store.VipPolicy, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) ([]store.VipPolicy, error) {
		return g.svc.store.ListVips(ctx, g.id)
	})
}

// DeleteVipPolicy removes one VIP policy.
func (s *Service) DeleteVipPolicy(ctx context.Context, userID ident.UserID, id ident.VipID) error {
	return s.group.Do(ctx, userID, func(ctx context.Context, g *graph) error {
		err := g.svc.store.DeleteVip(ctx, g.id, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("vip policy %s: %w", id, fault.ErrNotFound)
		}
		return err
	})
}

// RecordSchedulingHistory appends fairness history rows.
func (s *Service) RecordSchedulingHistory(ctx context.Context, userID ident.UserID, entries []store.HistoryEntry) error {
	return s.group.Do(ctx, userID, func(ctx context.Context, g *graph) error {
		for i := range entries {
			entries[i].UserID = g.id
		}
		return g.svc.store.AppendHistory(ctx, entries)
	})
}

// SchedulingHistory aggregates fairness history for the given participants.
func (s *Service) SchedulingHistory(ctx context.Context, userID ident.UserID, hashes []string) ([]store.HistoryAggregate, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) ([]store.HistoryAggregate, error) {
		return g.svc.store.AggregateHistory(ctx, g.id, hashes)
	})
}

// activeConstraints loads the constraints whose window intersects [from, to]
// and decodes their configs for the solver. Constraints that fail to decode
// were stored before validation existed; they are skipped.
func (g *graph) activeConstraints(ctx context.Context, from, to int64) ([]scheduling.Constraint, error) {
	rows, err := g.svc.store.ListConstraints(ctx, g.id)
	if err != nil {
		return nil, err
	}
	var out []scheduling.Constraint
	for _, c := range rows {
		if !constraintOverlaps(c, from, to) {
			continue
		}
		sc := scheduling.Constraint{Kind: c.Kind, ActiveFrom: c.ActiveFrom, ActiveTo: c.ActiveTo}
		switch c.Kind {
		case scheduling.KindWorkingHours:
			var cfg scheduling.WorkingHoursConfig
			if json.Unmarshal([]byte(c.ConfigJSON), &cfg) != nil {
				continue
			}
			sc.WorkingHours = &cfg
		case scheduling.KindBuffer:
			var cfg scheduling.BufferConfig
			if json.Unmarshal([]byte(c.ConfigJSON), &cfg) != nil {
				continue
			}
			sc.Buffer = &cfg
		case scheduling.KindNoMeetingsAfter:
			var cfg scheduling.NoMeetingsAfterConfig
			if json.Unmarshal([]byte(c.ConfigJSON), &cfg) != nil {
				continue
			}
			sc.NoMeetingsAfter = &cfg
		case scheduling.KindTrip:
			// Trips carry no solver-relevant config beyond their window.
		default:
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

// schedulingVips converts stored VIP rows into solver policies.
func (g *graph) schedulingVips(ctx context.Context) ([]scheduling.VipPolicy, error) {
	rows, err := g.svc.store.ListVips(ctx, g.id)
	if err != nil {
		return nil, err
	}
	var out []scheduling.VipPolicy
	for _, v := range rows {
		var cond vipConditions
		if v.ConditionsJSON != "" {
			if err := json.Unmarshal([]byte(v.ConditionsJSON), &cond); err != nil {
				continue
			}
		}
		out = append(out, scheduling.VipPolicy{
			ParticipantHash:  v.ParticipantHash,
			DisplayName:      v.DisplayName,
			PriorityWeight:   v.PriorityWeight,
			AllowAfterHours:  cond.AllowAfterHours,
			MinNoticeHours:   cond.MinNoticeHours,
			OverrideDeepWork: cond.OverrideDeepWork,
		})
	}
	return out, nil
}

// validateConstraintConfig checks config against the JSON Schema for kind.
func validateConstraintConfig(kind string, config json.RawMessage) error {
	raw, ok := constraintSchemas[kind]
	if !ok {
		return fault.Validationf("unknown constraint kind %q", kind)
	}
	var schemaDoc any
	if err := json.Unmarshal([]byte(raw), &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal %s schema: %w", kind, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", kind, err)
	}
	var doc any
	if err := json.Unmarshal(config, &doc); err != nil {
		return fault.Validationf("constraint config is not valid JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fault.Validationf("invalid %s config: %v", kind, err)
	}
	return nil
}

func constraintActive(c store.Constraint, at int64) bool {
	if c.ActiveFrom != 0 && at < c.ActiveFrom {
		return false
	}
	if c.ActiveTo != 0 && at >= c.ActiveTo {
		return false
	}
	return true
}

func constraintOverlaps(c store.Constraint, from, to int64) bool {
	if c.ActiveFrom != 0 && c.ActiveFrom >= to {
		return false
	}
	if c.ActiveTo != 0 && c.ActiveTo <= from {
		return false
	}
	return true
}
