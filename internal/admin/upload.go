package admin

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stavekit/partflow/internal/config"
	"github.com/stavekit/partflow/internal/processor"
	"github.com/stavekit/partflow/internal/session"
	"github.com/stavekit/partflow/internal/settings"
	"github.com/stavekit/partflow/internal/storage"
)

// UploadAPI accepts uploads and exposes session status. The heavy lifting
// happens in the background; accepting an upload only stores the original,
// creates the session, and enqueues the processing job.
type UploadAPI struct {
	Sessions session.Repository
	Settings settings.Store
	Objects  storage.ObjectStore
	Process  processor.Enqueuer
	Auth     Authorizer
}

// Router mounts the upload endpoints.
func (u *UploadAPI) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(corsPreflight)
	r.Post("/uploads", u.handleUpload)
	r.Get("/uploads/{id}", u.handleStatus)
	return r
}

func (u *UploadAPI) authorize(w http.ResponseWriter, r *http.Request, mutating bool) bool {
	auth := u.Auth
	if auth == nil {
		auth = AllowAll{}
	}
	if err := auth.Authorize(r, mutating); err != nil {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": err.Error()})
		return false
	}
	return true
}

func (u *UploadAPI) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !u.authorize(w, r, true) {
		return
	}
	cfg, err := config.Load(r.Context(), u.Settings)
	if err != nil {
		if errors.Is(err, config.ErrConfigInvalid) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "pipeline configuration is invalid; fix settings first"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to load configuration"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxFileSizeBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "multipart field \"file\" is required"})
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if !slices.Contains(cfg.AllowedMIMETypes, mimeType) {
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]any{
			"error": fmt.Sprintf("MIME type %q is not accepted", mimeType),
		})
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
			"error": fmt.Sprintf("upload exceeds the %d byte limit", cfg.MaxFileSizeBytes),
		})
		return
	}

	id := uuid.New().String()
	ext := strings.ToLower(filepath.Ext(header.Filename))
	key := storage.OriginalKey(id, ext)
	if err := u.Objects.PutObject(r.Context(), key, data, storage.Metadata{
		"sessionId": id,
		"filename":  header.Filename,
	}); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to store upload"})
		return
	}

	sess := &session.Session{
		ID:         id,
		Filename:   header.Filename,
		ByteSize:   int64(len(data)),
		MIMEType:   mimeType,
		StorageKey: key,
		UploadedBy: actorFrom(r),
	}
	if err := u.Sessions.Create(r.Context(), sess); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to create session"})
		return
	}

	job, err := u.Process.Enqueue(processor.ProcessPayload{SessionID: id})
	if err != nil {
		log.Error().Err(err).Str("session_id", id).Msg("failed to enqueue processing job")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to queue processing"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"sessionId": id,
		"jobId":     job.ID,
	})
}

func (u *UploadAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !u.authorize(w, r, false) {
		return
	}
	id := chi.URLParam(r, "id")
	sess, err := u.Sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to load session"})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
