package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/vgabrielk/widget-sub001/internal/apierr"
	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/response"
	"github.com/vgabrielk/widget-sub001/internal/services"
	"github.com/vgabrielk/widget-sub001/internal/upload"
)

const maxJSONBody = 1 << 20

// classify translates service errors into the HTTP taxonomy. Anything it
// does not recognise is internal and its text never reaches the caller.
func classify(err error) *apierr.Error {
	if e, ok := apierr.As(err); ok {
		return e
	}
	if b, ok := services.AsBanned(err); ok {
		return apierr.Banned(b.Reason)
	}
	var rej *upload.Rejection
	if errors.As(err, &rej) {
		return apierr.Validation("%s", rej.Reason)
	}
	switch {
	case errors.Is(err, services.ErrMissingVisitor),
		errors.Is(err, services.ErrEmptyMessage),
		errors.Is(err, services.ErrForeignImage),
		errors.Is(err, services.ErrInvalidSender):
		return apierr.Validation("%s", err.Error())
	case errors.Is(err, services.ErrNotRoomOwner),
		errors.Is(err, services.ErrNotWidgetOwner):
		return apierr.Forbidden(err)
	case errors.Is(err, services.ErrRoomNotFound),
		errors.Is(err, services.ErrWidgetNotFound),
		errors.Is(err, services.ErrVisitorNotFound):
		return apierr.NotFound(err)
	case errors.Is(err, services.ErrRoomClosed),
		errors.Is(err, services.ErrInvalidState):
		return apierr.Conflict(err)
	}
	return apierr.Internal(err)
}

func writeError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	e := classify(err)
	if e.Code == apierr.CodeInternal {
		log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	response.Error(w, e)
}

// decodeJSON reads a JSON body. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apierr.Validation("invalid request body")
}
