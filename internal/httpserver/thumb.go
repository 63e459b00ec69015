package httpserver

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	// decoders
	_ "image/gif"
	_ "image/png"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"dirserve/internal/fsutil"
	"dirserve/internal/logging"
)

const thumbMaxDim = 256

var thumbExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// isThumbable reports whether the extension is one the decoders understand.
func isThumbable(name string) bool {
	return thumbExts[strings.ToLower(filepath.Ext(name))]
}

// serveThumb answers ?thumb=1 with a downscaled JPEG. Thumbnails are cached
// in the state directory keyed by path and mtime, so an overwritten image
// gets a fresh one and stale keys simply stop being referenced.
func (s *Server) serveThumb(w http.ResponseWriter, r *http.Request, p fsutil.SandboxedPath, st os.FileInfo) {
	key := fmt.Sprintf("%s-%d.jpg", safeKey(p.Rel()), st.ModTime().Unix())
	cached := filepath.Join(s.thumbDir, key)
	if b, err := os.ReadFile(cached); err == nil {
		s.writeThumb(w, r, b)
		return
	}

	b, err := makeThumb(p.Abs(), thumbMaxDim)
	if err != nil {
		logging.WithContext(r.Context()).Debug("thumbnail failed",
			zap.String("path", p.Rel()), zap.Error(err))
		s.sendError(w, http.StatusNotFound, "no thumbnail")
		return
	}
	if err := os.WriteFile(cached, b, 0o644); err != nil {
		logging.WithContext(r.Context()).Warn("thumbnail cache write failed",
			zap.String("key", key), zap.Error(err))
	}
	s.writeThumb(w, r, b)
}

func (s *Server) writeThumb(w http.ResponseWriter, r *http.Request, b []byte) {
	h := w.Header()
	h.Set("Content-Type", "image/jpeg")
	h.Set("Cache-Control", "public, max-age=3600")
	h.Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(b)
}

// safeKey flattens a relative path into a single cache file name.
func safeKey(rel string) string {
	rel = strings.ReplaceAll(rel, "/", "_")
	rel = strings.ReplaceAll(rel, "\\", "_")
	rel = strings.ReplaceAll(rel, "..", "_")
	if rel == "" {
		rel = "root"
	}
	return rel
}

func makeThumb(absPath string, max int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}
	if max <= 0 {
		max = thumbMaxDim
	}

	nw, nh := w, h
	if w > h {
		if w > max {
			nw = max
			nh = int(float64(h) * (float64(max) / float64(w)))
		}
	} else {
		if h > max {
			nh = max
			nw = int(float64(w) * (float64(max) / float64(h)))
		}
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	enc := jpeg.Options{Quality: 82}
	if err := jpeg.Encode(&out, dst, &enc); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
