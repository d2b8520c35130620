package httpserver

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"dmchat/internal/config"
)

const maxUploadSize = 10 << 20

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// UploadRoutes returns a sub-router mounted at /api/uploads. Uploaded images
// are stored under cfg.UploadDir and referenced from messages by URL.
func UploadRoutes(cfg *config.Config, log *zap.Logger) chi.Router {
	r := chi.NewRouter()

	// Expects multipart/form-data with the image in the "file" field.
	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			writeBadRequest(w, "failed to parse multipart form")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeBadRequest(w, "missing file")
			return
		}
		defer file.Close()

		ext := strings.ToLower(filepath.Ext(header.Filename))
		if !imageExtensions[ext] {
			writeBadRequest(w, "unsupported image type")
			return
		}

		if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
			log.Error("create upload dir", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not store file"})
			return
		}
		filename := uuid.NewString() + ext
		out, err := os.Create(filepath.Join(cfg.UploadDir, filename))
		if err != nil {
			log.Error("create upload", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not store file"})
			return
		}
		defer out.Close()

		if _, err := io.Copy(out, file); err != nil {
			log.Error("write upload", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not store file"})
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{
			"image":    "/api/uploads/" + filename,
			"filename": filename,
		})
	})

	r.Get("/{filename}", func(w http.ResponseWriter, r *http.Request) {
		filename := chi.URLParam(r, "filename")
		// Prevent path traversal by cleaning the path and not allowing separators.
		if filename == "" || filepath.Base(filename) != filename {
			writeBadRequest(w, "invalid filename")
			return
		}
		http.ServeFile(w, r, filepath.Join(cfg.UploadDir, filename))
	})

	return r
}
