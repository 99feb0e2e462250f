package handlers

import (
	"bytes"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shindakun/pastpapers/internal/auth"
	"github.com/shindakun/pastpapers/internal/exporter"
	"go.uber.org/zap"
)

// ExportHistory downloads the signed-in user's login history as CSV or JSON
func (h *Handlers) ExportHistory(w http.ResponseWriter, r *http.Request) {
	session, ok := auth.GetSessionFromContext(r.Context())
	if !ok || session == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	format, err := exporter.ParseFormat(chi.URLParam(r, "format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	events, err := h.audit.Recent(r.Context(), session.Email, exporter.MaxEvents)
	if err != nil {
		h.serverError(w, r, "export_history", err)
		return
	}

	var buf bytes.Buffer
	if err := exporter.Write(&buf, format, events); err != nil {
		h.serverError(w, r, "export_history", err)
		return
	}

	h.logger.Info("login history exported",
		zap.String("identity_id", session.IdentityID),
		zap.String("format", string(format)),
		zap.Int("events", len(events)),
	)

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+format.Filename(time.Now())+`"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}
