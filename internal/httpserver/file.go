package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"dirserve/internal/fsutil"
	"dirserve/internal/logging"
	"dirserve/internal/metrics"
)

// fileChunk is the unit of streaming; memory per transfer stays bounded by
// it no matter how large the file is.
const fileChunk = 64 * 1024

var copyBufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, fileChunk)
		return &b
	},
}

var errUnsatisfiableRange = errors.New("requested range not satisfiable")

// byteRange is an inclusive byte interval within a file.
type byteRange struct {
	start, end int64
}

func (br byteRange) length() int64 { return br.end - br.start + 1 }

// parseRange interprets a Range request header against a file of the given
// size. ok=false with a nil error means no usable range was requested and
// the whole file is served; malformed headers are deliberately treated that
// way instead of failing the request. Multi-range requests and ranges
// starting at or past the end of the file are unsatisfiable.
func parseRange(header string, size int64) (r byteRange, ok bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return byteRange{}, false, nil
	}
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return byteRange{}, false, nil
	}
	if strings.Contains(spec, ",") {
		// One contiguous range per request; multipart/byteranges replies
		// are out of scope.
		return byteRange{}, false, errUnsatisfiableRange
	}
	startStr, endStr, found := strings.Cut(strings.TrimSpace(spec), "-")
	if !found {
		return byteRange{}, false, nil
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		// Suffix form: the last N bytes.
		n, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || n < 0 {
			return byteRange{}, false, nil
		}
		start := size - n
		if start < 0 {
			start = 0
		}
		if start >= size {
			return byteRange{}, false, errUnsatisfiableRange
		}
		return byteRange{start: start, end: size - 1}, true, nil
	}

	start, perr := strconv.ParseInt(startStr, 10, 64)
	if perr != nil || start < 0 {
		return byteRange{}, false, nil
	}
	if start >= size {
		return byteRange{}, false, errUnsatisfiableRange
	}
	if endStr == "" {
		return byteRange{start: start, end: size - 1}, true, nil
	}
	end, perr := strconv.ParseInt(endStr, 10, 64)
	if perr != nil || end < start {
		return byteRange{}, false, nil
	}
	if end >= size {
		end = size - 1
	}
	return byteRange{start: start, end: end}, true, nil
}

// serveFile streams file content, honoring single-range requests and HEAD.
// Content-Length is always exact, so a transfer cut short mid-stream leaves
// the connection poisoned rather than looking complete to the client.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, p fsutil.SandboxedPath, st os.FileInfo) {
	size := st.Size()
	rng, ranged, err := parseRange(r.Header.Get("Range"), size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		s.sendError(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
		return
	}

	f, err := os.Open(p.Abs())
	if err != nil {
		s.replyFSError(w, r, err)
		return
	}
	defer f.Close()

	name := path.Base(p.Rel())
	ct := contentTypeForName(name)
	disp := "attachment"
	if viewableType(ct) {
		disp = "inline"
	}
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", ct)
	h.Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disp, name))
	h.Set("Last-Modified", st.ModTime().UTC().Format(http.TimeFormat))

	status := http.StatusOK
	offset, length := int64(0), size
	if ranged {
		status = http.StatusPartialContent
		offset, length = rng.start, rng.length()
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.start, rng.end, size))
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			logging.WithContext(r.Context()).Error("seek failed",
				zap.String("path", p.Rel()), zap.Error(err))
			metrics.RecordDownload(0, false)
			panic(http.ErrAbortHandler)
		}
	}
	n, err := copyN(r.Context(), w, f, length)
	metrics.RecordDownload(n, err == nil)
	if err != nil {
		log := logging.WithContext(r.Context())
		if clientGone(r.Context(), err) {
			log.Debug("download aborted by client",
				zap.String("path", p.Rel()),
				zap.Int64("sent", n),
				zap.Error(err))
		} else {
			log.Error("download failed",
				zap.String("path", p.Rel()),
				zap.Int64("sent", n),
				zap.Error(err))
		}
		panic(http.ErrAbortHandler)
	}
}

// copyN moves exactly n bytes in fileChunk slices, checking for cancellation
// between chunks. A source that runs dry early, a file truncated behind an
// open handle, is an error: the byte count promised in the headers can no
// longer be met.
func copyN(ctx context.Context, dst io.Writer, src io.Reader, n int64) (int64, error) {
	bp := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bp)
	buf := *bp

	var written int64
	for written < n {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		chunk := int64(len(buf))
		if rem := n - written; rem < chunk {
			chunk = rem
		}
		rn, rerr := src.Read(buf[:chunk])
		if rn > 0 {
			wn, werr := dst.Write(buf[:rn])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if wn < rn {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF && written < n {
				rerr = io.ErrUnexpectedEOF
			}
			if rerr == io.EOF {
				break
			}
			return written, rerr
		}
	}
	return written, nil
}

// clientGone distinguishes the peer hanging up from real I/O failure.
func clientGone(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
