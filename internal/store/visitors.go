package store

import (
	"context"

	"github.com/vgabrielk/widget-sub001/internal/models"
)

func (s *Store) GetVisitor(ctx context.Context, visitorID string) (*models.Visitor, error) {
	var v models.Visitor
	if err := s.db.WithContext(ctx).Where("visitor_id = ?", visitorID).First(&v).Error; err != nil {
		return nil, translate(err)
	}
	return &v, nil
}

func (s *Store) CreateVisitor(ctx context.Context, v *models.Visitor) error {
	return translate(s.db.WithContext(ctx).Create(v).Error)
}

func (s *Store) SaveVisitor(ctx context.Context, v *models.Visitor) error {
	return translate(s.db.WithContext(ctx).Save(v).Error)
}

// BannedAmong returns the subset of ids whose visitor record is banned.
func (s *Store) BannedAmong(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(ids) == 0 {
		return out, nil
	}
	var banned []string
	err := s.db.WithContext(ctx).Model(&models.Visitor{}).
		Where("visitor_id IN ? AND is_banned = ?", ids, true).
		Pluck("visitor_id", &banned).Error
	if err != nil {
		return nil, translate(err)
	}
	for _, id := range banned {
		out[id] = true
	}
	return out, nil
}
