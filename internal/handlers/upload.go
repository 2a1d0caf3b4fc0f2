package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vgabrielk/widget-sub001/internal/apierr"
	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/response"
	"github.com/vgabrielk/widget-sub001/internal/services"
	"github.com/vgabrielk/widget-sub001/internal/upload"
)

// Room for multipart boundaries and the text fields around the file.
const multipartOverhead = 1 << 20

type UploadHandler struct {
	uploads *services.UploadService
	log     *logger.Logger
}

func NewUploadHandler(uploads *services.UploadService, log *logger.Logger) *UploadHandler {
	return &UploadHandler{uploads: uploads, log: log}
}

// Upload handles POST /api/widgets/{widgetID}/uploads
// Multipart fields: file, roomId and optionally visitorId. Origin and rate
// limits are enforced by middleware before this runs.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, upload.MaxSize+multipartOverhead)
	if err := r.ParseMultipartForm(upload.MaxSize + multipartOverhead); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, r, h.log, apierr.Validation("file exceeds the 5 MiB limit"))
			return
		}
		writeError(w, r, h.log, apierr.Validation("invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	roomID := strings.TrimSpace(r.FormValue("roomId"))
	if roomID == "" {
		writeError(w, r, h.log, apierr.Validation("roomId is required"))
		return
	}
	visitorID := strings.TrimSpace(r.FormValue("visitorId"))
	if visitorID == "" {
		visitorID = strings.TrimSpace(r.FormValue("visitor_id"))
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, h.log, apierr.Validation("file is required"))
		return
	}
	defer file.Close()

	// One byte past the cap is enough to reject oversize files.
	data, err := io.ReadAll(io.LimitReader(file, upload.MaxSize+1))
	if err != nil {
		writeError(w, r, h.log, apierr.Validation("could not read file"))
		return
	}
	size := header.Size
	if size < int64(len(data)) {
		size = int64(len(data))
	}

	res, err := h.uploads.Upload(r.Context(), services.UploadInput{
		WidgetID:     chi.URLParam(r, "widgetID"),
		RoomID:       roomID,
		VisitorID:    visitorID,
		FileName:     header.Filename,
		DeclaredType: header.Header.Get("Content-Type"),
		Size:         size,
		Data:         data,
	})
	if errors.Is(err, services.ErrRoomClosed) {
		writeError(w, r, h.log, apierr.Forbidden(err))
		return
	}
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	response.JSON(w, http.StatusOK, res)
}
