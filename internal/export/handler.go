package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Vovarama1992/storefront-support/internal/auth"
	"github.com/Vovarama1992/storefront-support/internal/chat"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	svc      chat.Service
	uploader Uploader // nil streams the file back
}

func NewHandler(svc chat.Service, uploader Uploader) *Handler {
	return &Handler{svc: svc, uploader: uploader}
}

// RegisterRoutes expects r to be behind auth.Authenticator.Middleware.
func RegisterRoutes(r chi.Router, h *Handler) {
	r.With(auth.RequireStaff).Get("/console/sessions/{id}/export", h.Export)
}

func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := auth.FromContext(ctx)
	id := chi.URLParam(r, "id")

	sess, err := h.svc.Session(ctx, caller, id)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := h.svc.History(ctx, caller, id, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	owner, err := h.svc.Profile(ctx, caller, sess.UserID)
	if err != nil && !errors.Is(err, chat.ErrNotFound) {
		writeError(w, err)
		return
	}

	f, err := Transcript(sess, owner, msgs)
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		writeError(w, err)
		return
	}

	name := fmt.Sprintf("transcript_%s_%s.xlsx", sess.ID, time.Now().UTC().Format("20060102_150405"))

	if h.uploader == nil {
		w.Header().Set("Content-Type", xlsxContentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
		return
	}

	url, err := h.uploader.Upload(ctx, "transcripts/"+name, bytes.NewReader(buf.Bytes()), xlsxContentType)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Printf("[export] session %s exported by %s", sess.ID, caller.UserID)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"url": url})
}

func writeError(w http.ResponseWriter, err error) {
	status := chat.StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("[export] %v", err)
		msg = "export failed"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
