package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/Shaostoul/Humanity-sub000/internal/metrics"
	"github.com/Shaostoul/Humanity-sub000/internal/store"
)

// UploadRequest announces a file placed in the shared uploads area by
// an out-of-band collaborator. The relay records metadata only; the
// bytes never pass through it.
type UploadRequest struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// RecordUpload registers an upload so chat clients can list it. The
// record table is trimmed FIFO to the configured retention.
func (h *Handler) RecordUpload(w http.ResponseWriter, r *http.Request) {
	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Filename == "" || req.Size < 0 {
		h.Error(w, http.StatusBadRequest, "filename required")
		return
	}

	keep := h.state.Config().UploadKeep
	if err := h.db.RecordUpload(r.Context(), req.Filename, req.Size, keep); err != nil {
		metrics.StoreErrors.WithLabelValues("record_upload").Inc()
		h.logger.Error().Err(err).Msg("upload record failed")
		h.Error(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	h.JSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

// ListUploads returns the retained upload records, newest first.
func (h *Handler) ListUploads(w http.ResponseWriter, r *http.Request) {
	keep := h.state.Config().UploadKeep
	uploads, err := h.db.ListUploads(r.Context(), keep)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list_uploads").Inc()
		h.logger.Error().Err(err).Msg("upload list failed")
		h.Error(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if uploads == nil {
		uploads = []store.Upload{}
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"uploads": uploads})
}
