package httpserver

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"os"

	"go.uber.org/zap"

	"dirserve/internal/fsutil"
	"dirserve/internal/logging"
	"dirserve/internal/metrics"
	"dirserve/internal/multipart"
)

type uploadResponse struct {
	Status        string   `json:"status"`
	UploadedFiles []string `json:"uploaded_files"`
	Count         int      `json:"count"`
}

// handleUpload accepts multipart/form-data POSTs into an existing directory.
// The body is decoded as it arrives; a request rejected for size or framing
// leaves no file from that request on disk.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	target, ok := s.resolve(w, r)
	if !ok {
		return
	}
	st, err := os.Stat(target.Abs())
	if err != nil {
		s.replyFSError(w, r, err)
		return
	}
	if !st.IsDir() {
		s.sendError(w, http.StatusBadRequest, "upload target is not a directory")
		return
	}

	limit := s.cfg.UploadLimit()
	if limit > 0 && r.ContentLength > limit {
		// Declared size already over the cap: refuse before reading a byte.
		metrics.RecordUpload(0, false)
		s.sendError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		s.sendError(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}
	boundary := params["boundary"]
	if boundary == "" {
		s.sendError(w, http.StatusBadRequest, "multipart boundary missing")
		return
	}

	dec, err := multipart.NewDecoder(r.Body, boundary, target, s.res, limit)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid multipart boundary")
		return
	}
	saved, err := dec.Decode(r.Context())
	if err != nil {
		metrics.RecordUpload(0, false)
		s.replyUploadError(w, r, err)
		return
	}

	names := make([]string, 0, len(saved))
	var total int64
	for _, f := range saved {
		names = append(names, f.Name)
		total += f.Size
	}
	metrics.RecordUpload(total, true)
	logging.WithContext(r.Context()).Info("upload complete",
		zap.String("dir", target.Rel()),
		zap.Strings("files", names),
		zap.Int64("bytes", total))
	writeJSON(w, http.StatusOK, uploadResponse{
		Status:        "success",
		UploadedFiles: names,
		Count:         len(names),
	})
}

func (s *Server) replyUploadError(w http.ResponseWriter, r *http.Request, err error) {
	log := logging.WithContext(r.Context())
	switch {
	case errors.Is(err, multipart.ErrTooLarge):
		s.sendError(w, http.StatusRequestEntityTooLarge, "upload too large")
	case errors.Is(err, multipart.ErrMalformed):
		s.sendError(w, http.StatusBadRequest, "malformed multipart body")
	case errors.Is(err, fsutil.ErrPathEscape):
		log.Warn("blocked upload path escape",
			zap.String("dir", r.URL.Path),
			zap.String("remote", r.RemoteAddr))
		s.sendError(w, http.StatusForbidden, "file name escapes upload directory")
	case errors.Is(err, fsutil.ErrInvalidPath):
		s.sendError(w, http.StatusBadRequest, "invalid file name")
	case errors.Is(err, context.Canceled) || r.Context().Err() != nil:
		log.Debug("upload aborted by client", zap.Error(err))
	default:
		log.Error("upload failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "upload failed")
	}
}
