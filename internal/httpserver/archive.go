package httpserver

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"dirserve/internal/fsutil"
	"dirserve/internal/logging"
	"dirserve/internal/metrics"
)

// serveArchive streams a directory as a tar.gz built on the fly. Nothing is
// staged on disk or in memory beyond one copy buffer. A failure mid-walk
// aborts the connection outright so the client can never mistake a
// truncated archive for a complete one.
func (s *Server) serveArchive(w http.ResponseWriter, r *http.Request, dir fsutil.SandboxedPath) {
	name := path.Base(dir.Rel())
	if dir.IsRoot() {
		name = "download"
	}
	h := w.Header()
	h.Set("Content-Type", "application/gzip")
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".tar.gz"))
	h.Set("Cache-Control", "no-cache")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	cw := &countingWriter{w: w}
	gz := gzip.NewWriter(cw)
	tw := tar.NewWriter(gz)
	err := s.writeTree(r.Context(), tw, dir)
	if err == nil {
		err = tw.Close()
	}
	if err == nil {
		err = gz.Close()
	}
	metrics.RecordArchive(cw.n, err == nil)
	log := logging.WithContext(r.Context())
	if err != nil {
		if clientGone(r.Context(), err) {
			log.Debug("archive aborted by client",
				zap.String("dir", dir.Rel()),
				zap.Int64("sent", cw.n),
				zap.Error(err))
		} else {
			log.Error("archive failed",
				zap.String("dir", dir.Rel()),
				zap.Int64("sent", cw.n),
				zap.Error(err))
		}
		panic(http.ErrAbortHandler)
	}
	log.Debug("archive streamed",
		zap.String("dir", dir.Rel()),
		zap.Int64("bytes", cw.n))
}

// writeTree walks dir depth-first and writes every entry beneath it into tw,
// entry names relative to dir. Hidden entries follow the listing rules;
// symlinks are stored as links only when they resolve inside the root and
// are skipped otherwise.
func (s *Server) writeTree(ctx context.Context, tw *tar.Writer, dir fsutil.SandboxedPath) error {
	root := dir.Abs()
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if p == root {
			return nil
		}
		if s.hidden(d.Name()) || s.isStateDir(p) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = rel + "/"
			return tw.WriteHeader(hdr)

		case info.Mode()&fs.ModeSymlink != 0:
			if _, rerr := s.res.Resolve(joinRel(dir.Rel(), rel)); rerr != nil {
				logging.WithContext(ctx).Debug("archive skips symlink",
					zap.String("path", rel), zap.Error(rerr))
				return nil
			}
			linkDest, err := os.Readlink(p)
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, linkDest)
			if err != nil {
				return err
			}
			hdr.Name = rel
			return tw.WriteHeader(hdr)

		case info.Mode().IsRegular():
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = rel
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			bp := copyBufPool.Get().(*[]byte)
			_, err = io.CopyBuffer(tw, f, *bp)
			copyBufPool.Put(bp)
			f.Close()
			return err

		default:
			// Sockets, devices and pipes have no place in a download.
			return nil
		}
	})
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
