// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"encoding/json"

	"github.com/toeirei/keysync/internal/model"
)

// LogAction records an audit trail event.
func (s *Store) LogAction(ctx context.Context, e model.AuditEvent) error {
	m := AuditEventModel{
		Timestamp:    e.Timestamp.UTC(),
		Actor:        e.Actor,
		Action:       e.Action,
		Entity:       e.Entity,
		EntityID:     e.EntityID,
		MetadataJSON: jsonText(e.Metadata),
	}
	_, err := s.bun.NewInsert().Model(&m).Exec(ctx)
	return err
}

// ListAuditEvents returns the most recent audit events first.
func (s *Store) ListAuditEvents(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	var ms []AuditEventModel
	q := s.bun.NewSelect().Model(&ms).OrderExpr("ts DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.AuditEvent, 0, len(ms))
	for _, m := range ms {
		e := model.AuditEvent{
			ID:        m.ID,
			Timestamp: m.Timestamp.UTC(),
			Actor:     m.Actor,
			Action:    m.Action,
			Entity:    m.Entity,
			EntityID:  m.EntityID,
		}
		_ = json.Unmarshal([]byte(m.MetadataJSON), &e.Metadata)
		out = append(out, e)
	}
	return out, nil
}
