package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/metrics"
	"github.com/vgabrielk/widget-sub001/internal/models"
	"github.com/vgabrielk/widget-sub001/internal/store"
)

// A contact after this much silence starts a new session.
const sessionGap = 30 * time.Minute

// VisitorService resolves visitor identities and guards every visitor entry
// point with the ban check.
type VisitorService struct {
	store   *store.Store
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewVisitorService(st *store.Store, log *logger.Logger, m *metrics.Metrics) *VisitorService {
	return &VisitorService{
		store:   st,
		log:     log.With("service", "VisitorService"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ResolveOrCreate creates the visitor on first sight and refreshes its
// metadata on every later contact. A banned visitor is still refreshed and
// returned together with a *BannedError.
func (s *VisitorService) ResolveOrCreate(ctx context.Context, visitorID string, vc models.VisitorContext) (*models.Visitor, error) {
	visitorID = strings.TrimSpace(visitorID)
	if visitorID == "" {
		return nil, ErrMissingVisitor
	}
	now := s.now()

	v, err := s.store.GetVisitor(ctx, visitorID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		v = &models.Visitor{
			VisitorID:       visitorID,
			FingerprintData: vc.FingerprintData,
			IPAddress:       vc.IPAddress,
			UserAgent:       vc.UserAgent,
			LastPageURL:     vc.PageURL,
			LastPageTitle:   vc.PageTitle,
			FirstSeenAt:     now,
			LastSeenAt:      now,
			SessionCount:    1,
		}
		err = s.store.CreateVisitor(ctx, v)
		if err == nil {
			s.log.Info("Visitor created", "visitor_id", visitorID)
			return v, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
		// Created concurrently by another request; refresh that row instead.
		if v, err = s.store.GetVisitor(ctx, visitorID); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if now.Sub(v.LastSeenAt) > sessionGap {
		v.SessionCount++
	}
	v.LastSeenAt = now
	if vc.IPAddress != "" {
		v.IPAddress = vc.IPAddress
	}
	if vc.UserAgent != "" {
		v.UserAgent = vc.UserAgent
	}
	if vc.PageURL != "" {
		v.LastPageURL = vc.PageURL
	}
	if vc.PageTitle != "" {
		v.LastPageTitle = vc.PageTitle
	}
	if len(vc.FingerprintData) > 0 {
		v.FingerprintData = vc.FingerprintData
	}
	if err := s.store.SaveVisitor(ctx, v); err != nil {
		return nil, err
	}

	if v.IsBanned {
		s.metrics.RecordBanned()
		return v, &BannedError{VisitorID: v.VisitorID, Reason: v.BanReason}
	}
	return v, nil
}

// IsBanned reports the ban flag. Unknown visitors are not banned.
func (s *VisitorService) IsBanned(ctx context.Context, visitorID string) (bool, error) {
	err := s.Check(ctx, visitorID)
	if _, ok := AsBanned(err); ok {
		return true, nil
	}
	return false, err
}

// Check returns a *BannedError for a banned visitor and nil otherwise.
func (s *VisitorService) Check(ctx context.Context, visitorID string) error {
	v, err := s.store.GetVisitor(ctx, visitorID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if v.IsBanned {
		s.metrics.RecordBanned()
		return &BannedError{VisitorID: v.VisitorID, Reason: v.BanReason}
	}
	return nil
}

// Status answers the anonymous "am I banned" lookup.
func (s *VisitorService) Status(ctx context.Context, visitorID string) (models.VisitorStatusResponse, error) {
	if strings.TrimSpace(visitorID) == "" {
		return models.VisitorStatusResponse{}, ErrMissingVisitor
	}
	v, err := s.store.GetVisitor(ctx, visitorID)
	if errors.Is(err, store.ErrNotFound) {
		return models.VisitorStatusResponse{}, nil
	}
	if err != nil {
		return models.VisitorStatusResponse{}, err
	}
	return models.VisitorStatusResponse{Banned: v.IsBanned, Reason: v.BanReason, Exists: true}, nil
}

// SetBan bans or unbans a visitor. Banning an unknown visitor creates a
// minimal banned record; unbanning one is ErrVisitorNotFound. Repeating the
// same call changes nothing further.
func (s *VisitorService) SetBan(ctx context.Context, visitorID string, banned bool, reason string) (*models.Visitor, error) {
	visitorID = strings.TrimSpace(visitorID)
	if visitorID == "" {
		return nil, ErrMissingVisitor
	}
	now := s.now()

	v, err := s.store.GetVisitor(ctx, visitorID)
	if errors.Is(err, store.ErrNotFound) {
		if !banned {
			return nil, ErrVisitorNotFound
		}
		v = &models.Visitor{
			VisitorID:    visitorID,
			FirstSeenAt:  now,
			LastSeenAt:   now,
			SessionCount: 1,
			IsBanned:     true,
			BanReason:    reason,
			BannedAt:     &now,
		}
		err = s.store.CreateVisitor(ctx, v)
		if err == nil {
			s.log.Info("Visitor banned before first contact", "visitor_id", visitorID)
			return v, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
		if v, err = s.store.GetVisitor(ctx, visitorID); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	if banned {
		if !v.IsBanned {
			v.BannedAt = &now
		}
		v.IsBanned = true
		if reason != "" {
			v.BanReason = reason
		}
	} else {
		v.IsBanned = false
		v.BanReason = ""
		v.BannedAt = nil
	}
	if err := s.store.SaveVisitor(ctx, v); err != nil {
		return nil, err
	}
	s.log.Info("Visitor ban updated", "visitor_id", visitorID, "banned", banned)
	return v, nil
}
