package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/models"
	"github.com/vgabrielk/widget-sub001/internal/store"
	"github.com/vgabrielk/widget-sub001/internal/upload"
)

// WidgetService manages tenant widgets and answers origin checks.
type WidgetService struct {
	store *store.Store
	log   *logger.Logger
}

func NewWidgetService(st *store.Store, log *logger.Logger) *WidgetService {
	return &WidgetService{store: st, log: log.With("service", "WidgetService")}
}

func (s *WidgetService) Create(ctx context.Context, ownerID string, req models.WidgetRequest) (*models.Widget, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Untitled Widget"
	}
	w := &models.Widget{
		ID:             uuid.New().String(),
		OwnerID:        ownerID,
		Name:           name,
		WelcomeMessage: strings.TrimSpace(req.WelcomeMessage),
	}
	w.SetDomains(req.AllowedDomains)
	if err := s.store.CreateWidget(ctx, w); err != nil {
		return nil, err
	}
	s.log.Info("Widget created", "widget_id", w.ID, "owner_id", ownerID)
	return w, nil
}

// Get loads any widget by id.
func (s *WidgetService) Get(ctx context.Context, widgetID string) (*models.Widget, error) {
	w, err := s.store.GetWidget(ctx, widgetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrWidgetNotFound
	}
	return w, err
}

// GetOwned loads a widget and checks it belongs to ownerID.
func (s *WidgetService) GetOwned(ctx context.Context, ownerID, widgetID string) (*models.Widget, error) {
	w, err := s.Get(ctx, widgetID)
	if err != nil {
		return nil, err
	}
	if w.OwnerID != ownerID {
		return nil, ErrNotWidgetOwner
	}
	return w, nil
}

func (s *WidgetService) Update(ctx context.Context, ownerID, widgetID string, req models.WidgetRequest) (*models.Widget, error) {
	w, err := s.GetOwned(ctx, ownerID, widgetID)
	if err != nil {
		return nil, err
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		w.Name = name
	}
	w.WelcomeMessage = strings.TrimSpace(req.WelcomeMessage)
	if req.AllowedDomains != nil {
		w.SetDomains(req.AllowedDomains)
	}
	if err := s.store.SaveWidget(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *WidgetService) List(ctx context.Context, ownerID string) ([]models.Widget, error) {
	return s.store.ListWidgetsByOwner(ctx, ownerID)
}

// PublicConfig is what the embedded widget may read anonymously.
func (s *WidgetService) PublicConfig(ctx context.Context, widgetID string) (*models.PublicWidgetConfig, error) {
	w, err := s.Get(ctx, widgetID)
	if err != nil {
		return nil, err
	}
	return &models.PublicWidgetConfig{ID: w.ID, Name: w.Name, WelcomeMessage: w.WelcomeMessage}, nil
}

// OriginAllowed reports whether origin may call the widget's visitor endpoints.
// Unknown widgets allow nothing.
func (s *WidgetService) OriginAllowed(ctx context.Context, widgetID, origin string) (bool, error) {
	w, err := s.Get(ctx, widgetID)
	if errors.Is(err, ErrWidgetNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	domains, err := w.Domains()
	if err != nil {
		s.log.Warn("Unreadable domain allow-list, denying origin", "widget_id", widgetID, "error", err)
		return false, nil
	}
	return upload.OriginAllowed(origin, domains), nil
}
