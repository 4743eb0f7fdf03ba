package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/arborlabs/arbd/internal/domain"
)

// ArchiveReader provides read access to the cold-storage archive.
type ArchiveReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]domain.BlobInfo, error)
}

// ArchiveHandler lists and serves archived opportunity and execution files.
// It is only registered when object storage is configured.
type ArchiveHandler struct {
	reader ArchiveReader
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(reader ArchiveReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		reader: reader,
		logger: logHandler(logger, "archive"),
	}
}

// List returns archive files under the given prefix (default "archive/").
// GET /api/archives?prefix=archive/executions/
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = "archive/"
	}

	blobs, err := h.reader.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "archive listing failed",
			slog.String("prefix", prefix),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"archives": blobs,
	})
}

// Download streams a single archive file.
// GET /api/archives/{path...}
func (h *ArchiveHandler) Download(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "archive path required")
		return
	}

	body, err := h.reader.Get(r.Context(), path)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "archive download failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "archive stream interrupted",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
