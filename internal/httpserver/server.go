package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"dirserve/internal/config"
	"dirserve/internal/fsutil"
	"dirserve/internal/logging"
)

type Options struct {
	Config config.Config
}

// Server exposes one directory tree over HTTP: listings, range-aware
// downloads, streamed tar.gz archives and multipart uploads. Every request
// path goes through the resolver before any filesystem access.
type Server struct {
	cfg      config.Config
	res      *fsutil.Resolver
	stateDir string
	thumbDir string
}

func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg.Root == "" {
		return nil, errors.New("httpserver: no root directory configured")
	}
	res, err := fsutil.NewResolver(cfg.Root)
	if err != nil {
		return nil, err
	}
	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(res.Root(), ".dirserve")
	}
	thumbDir := filepath.Join(stateDir, "thumbs")
	if err := os.MkdirAll(thumbDir, 0o755); err != nil {
		return nil, err
	}
	// Canonical form so the exclusion check matches resolved request paths.
	if canon, err := filepath.EvalSymlinks(stateDir); err == nil {
		stateDir = canon
		thumbDir = filepath.Join(stateDir, "thumbs")
	}
	return &Server{
		cfg:      cfg,
		res:      res,
		stateDir: stateDir,
		thumbDir: thumbDir,
	}, nil
}

// Root reports the canonical absolute path of the served tree.
func (s *Server) Root() string { return s.res.Root() }

// Handler builds the root handler. Routes are matched in a fixed order:
// exact paths first, then the WebDAV prefix, then the directory tree
// catch-all.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	dav := &webdav.Handler{
		Prefix:     "/dav",
		FileSystem: webdav.Dir(s.res.Root()),
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logging.WithContext(r.Context()).Debug("webdav",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Error(err))
			}
		},
	}
	mux.Handle("/dav/", dav)

	mux.HandleFunc("/", s.handleTree)
	return mux
}

// handleTree dispatches everything under the served root by method.
func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.handleGet(w, r)
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		w.Header().Set("Allow", "GET, HEAD, POST")
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleGet serves a directory (HTML page, JSON listing or archive, chosen
// by query flag) or a file (thumbnail or ranged content).
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	target, ok := s.resolve(w, r)
	if !ok {
		return
	}
	st, err := os.Stat(target.Abs())
	if err != nil {
		s.replyFSError(w, r, err)
		return
	}
	q := r.URL.Query()
	if st.IsDir() {
		switch {
		case q.Get("json") == "1":
			s.serveListingJSON(w, r, target)
		case q.Get("download") == "zip":
			s.serveArchive(w, r, target)
		default:
			s.serveListingHTML(w, r, target)
		}
		return
	}
	if q.Get("thumb") == "1" && isThumbable(st.Name()) {
		s.serveThumb(w, r, target, st)
		return
	}
	s.serveFile(w, r, target, st)
}

// resolve maps the request path into the root and replies itself on failure.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (fsutil.SandboxedPath, bool) {
	target, err := s.res.Resolve(r.URL.Path)
	if err == nil {
		return target, true
	}
	switch {
	case errors.Is(err, fsutil.ErrPathEscape):
		logging.WithContext(r.Context()).Warn("blocked path escape",
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr))
		s.sendError(w, http.StatusForbidden, "path outside served root")
	case errors.Is(err, fsutil.ErrInvalidPath):
		s.sendError(w, http.StatusBadRequest, "invalid path")
	default:
		logging.WithContext(r.Context()).Error("resolve failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
	return fsutil.SandboxedPath{}, false
}

// replyFSError translates a stat/open error into a response.
func (s *Server) replyFSError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.sendError(w, http.StatusNotFound, "not found")
	case errors.Is(err, fs.ErrPermission):
		s.sendError(w, http.StatusForbidden, "permission denied")
	default:
		logging.WithContext(r.Context()).Error("filesystem error",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// hidden reports whether a name stays out of listings and archives.
func (s *Server) hidden(name string) bool {
	return strings.HasPrefix(name, ".") && !s.cfg.ShowHidden
}

// isStateDir guards the server's own cache directory, which never shows up
// in listings or archives even with hidden files enabled.
func (s *Server) isStateDir(abs string) bool {
	return abs == s.stateDir
}

func contentTypeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	// Fallbacks for systems with sparse mime tables.
	switch ext {
	// images
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	// video
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mov":
		return "video/quicktime"
	// audio
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	// docs/text
	case ".pdf":
		return "application/pdf"
	case ".txt", ".log", ".md", ".ini", ".cfg", ".conf", ".yaml", ".yml", ".toml", ".go", ".py", ".rs", ".c", ".h", ".sh":
		return "text/plain; charset=utf-8"
	// archives
	case ".zip":
		return "application/zip"
	case ".tar":
		return "application/x-tar"
	case ".gz", ".tgz":
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}

// viewableType lists what browsers render in place; everything else is
// offered as a download.
func viewableType(ct string) bool {
	switch {
	case strings.HasPrefix(ct, "text/"),
		strings.HasPrefix(ct, "image/"),
		strings.HasPrefix(ct, "audio/"),
		strings.HasPrefix(ct, "video/"),
		strings.HasPrefix(ct, "application/pdf"),
		strings.HasPrefix(ct, "application/json"),
		strings.HasPrefix(ct, "application/javascript"):
		return true
	}
	return false
}
