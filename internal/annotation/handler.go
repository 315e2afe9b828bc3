package annotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	imageID, ok := imageIDFromRequest(w, r)
	if !ok {
		return
	}

	recs, err := h.service.Load(r.Context(), imageID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) Save(w http.ResponseWriter, r *http.Request) {
	imageID, ok := imageIDFromRequest(w, r)
	if !ok {
		return
	}

	var recs []SaveRecord
	if err := json.NewDecoder(r.Body).Decode(&recs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	stage := r.URL.Query().Get("processing_stage")
	saved, err := h.service.Save(r.Context(), imageID, stage, recs)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	imageID, ok := imageIDFromRequest(w, r)
	if !ok {
		return
	}

	n, err := h.service.DeleteAll(r.Context(), imageID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Successfully deleted %d annotations", n),
		"deleted": n,
	})
}

func imageIDFromRequest(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["imageId"], 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid image id"})
		return 0, false
	}
	return id, true
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrImageNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "image not found"})
	case errors.Is(err, ErrMissingPoints),
		errors.Is(err, ErrInvalidPoints),
		errors.Is(err, ErrLabelRequired),
		errors.Is(err, ErrInvalidType),
		errors.Is(err, ErrInvalidColor),
		errors.Is(err, ErrInvalidLabelme):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		slog.Error("service error", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
