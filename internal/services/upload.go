package services

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/metrics"
	"github.com/vgabrielk/widget-sub001/internal/models"
	"github.com/vgabrielk/widget-sub001/internal/store"
	"github.com/vgabrielk/widget-sub001/internal/upload"
)

// UploadInput is one image submitted for a room.
type UploadInput struct {
	WidgetID     string
	RoomID       string
	VisitorID    string
	FileName     string
	DeclaredType string
	Size         int64
	Data         []byte
}

// UploadService stores validated chat images. Origin and rate checks happen
// in front of it, in the HTTP layer.
type UploadService struct {
	store    *store.Store
	storage  ObjectStorage
	visitors *VisitorService
	metrics  *metrics.Metrics
	log      *logger.Logger
}

func NewUploadService(st *store.Store, storage ObjectStorage, visitors *VisitorService, m *metrics.Metrics, log *logger.Logger) *UploadService {
	return &UploadService{
		store:    st,
		storage:  storage,
		visitors: visitors,
		metrics:  m,
		log:      log.With("service", "UploadService"),
	}
}

// Upload checks the room, validates the payload and writes it to storage at
// {widget}/{room}/{uuid}.{ext}.
func (s *UploadService) Upload(ctx context.Context, in UploadInput) (*models.UploadResponse, error) {
	room, err := roomInWidget(ctx, s.store, in.WidgetID, in.RoomID)
	if err != nil {
		return nil, err
	}
	if !room.IsOpen() {
		return nil, ErrRoomClosed
	}
	if in.VisitorID != "" {
		if room.VisitorID != in.VisitorID {
			return nil, ErrNotRoomOwner
		}
		if err := s.visitors.Check(ctx, in.VisitorID); err != nil {
			return nil, err
		}
	}

	if err := upload.Validate(in.Data, in.DeclaredType, in.Size); err != nil {
		s.metrics.RecordUpload("rejected")
		s.log.Info("Upload rejected", "room_id", room.ID, "declared_type", in.DeclaredType, "size", in.Size, "error", err)
		return nil, err
	}
	if s.storage == nil {
		s.metrics.RecordUpload("failed")
		return nil, fmt.Errorf("object storage is not configured")
	}

	contentType := upload.Normalize(in.DeclaredType)
	path := roomObjectPrefix(room) + uuid.New().String() + "." + upload.Extension(contentType)
	url, err := s.storage.Upload(ctx, path, contentType, in.Data)
	if err != nil {
		s.metrics.RecordUpload("failed")
		return nil, fmt.Errorf("store image: %w", err)
	}

	s.metrics.RecordUpload("stored")
	s.log.Info("Image stored", "room_id", room.ID, "path", path, "size", len(in.Data))
	return &models.UploadResponse{
		Success:   true,
		ImageURL:  url,
		ImageName: displayName(in.FileName, path),
		FilePath:  path,
	}, nil
}

// roomObjectPrefix is the storage folder holding a room's images.
func roomObjectPrefix(room *models.Room) string {
	return room.WidgetID + "/" + room.ID + "/"
}

// inRoomFolder reports whether an object key lies inside the room's folder.
func inRoomFolder(room *models.Room, path string) bool {
	return strings.HasPrefix(path, roomObjectPrefix(room)) && !strings.Contains(path, "..")
}

func displayName(fileName, path string) string {
	name := strings.TrimSpace(filepath.Base(fileName))
	if name == "" || name == "." || name == "/" {
		return filepath.Base(path)
	}
	return name
}
