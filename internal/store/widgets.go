package store

import (
	"context"

	"github.com/vgabrielk/widget-sub001/internal/models"
)

func (s *Store) CreateWidget(ctx context.Context, w *models.Widget) error {
	return translate(s.db.WithContext(ctx).Create(w).Error)
}

func (s *Store) GetWidget(ctx context.Context, id string) (*models.Widget, error) {
	var w models.Widget
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&w).Error; err != nil {
		return nil, translate(err)
	}
	return &w, nil
}

func (s *Store) SaveWidget(ctx context.Context, w *models.Widget) error {
	return translate(s.db.WithContext(ctx).Save(w).Error)
}

func (s *Store) ListWidgetsByOwner(ctx context.Context, ownerID string) ([]models.Widget, error) {
	var out []models.Widget
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Find(&out).Error
	return out, translate(err)
}
