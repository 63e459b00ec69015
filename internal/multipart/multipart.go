// Package multipart decodes multipart/form-data request bodies directly to
// disk. Parts are streamed through a fixed-size buffer, so memory use stays
// flat no matter how large the upload is. File parts land in a sandboxed
// destination directory, form fields are decoded and discarded.
package multipart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"strings"

	"dirserve/internal/fsutil"
)

var (
	// ErrMalformed reports a body that does not follow multipart framing.
	ErrMalformed = errors.New("malformed multipart body")

	// ErrTooLarge reports a body whose decoded parts exceed the upload limit.
	ErrTooLarge = errors.New("multipart body too large")
)

const (
	readChunk      = 32 * 1024
	bufSize        = 64 * 1024
	maxHeaderBytes = 16 * 1024
	maxBoundaryLen = 200

	// Longest tail examined after a delimiter match: transport padding
	// plus the closing "--" or CRLF.
	maxDelimTail = 40
)

type state int

const (
	seekingBoundary state = iota
	readingPartHeaders
	readingPartBody
	done
)

// SavedFile describes one uploaded file stored on disk.
type SavedFile struct {
	Field string
	Name  string
	Path  string
	Size  int64
}

// Decoder is a streaming multipart/form-data decoder. It scans for boundary
// delimiters with a lookback window one byte shorter than the delimiter, so
// a delimiter split across reads is still found exactly once.
type Decoder struct {
	src   io.Reader
	delim []byte
	dest  fsutil.SandboxedPath
	res   *fsutil.Resolver
	limit int64

	buf   []byte
	start int
	end   int
	eof   bool

	state state
	total int64
	saved []SavedFile

	field     string
	filename  string
	out       *os.File
	tmpPath   string
	finalPath string
	name      string
	written   int64
}

// NewDecoder returns a decoder that stores file parts from body under dest.
// Stored names are re-resolved against res so a crafted filename cannot
// land outside the tree. maxTotalBytes caps the combined decoded size of
// all parts; zero means unlimited.
func NewDecoder(body io.Reader, boundary string, dest fsutil.SandboxedPath, res *fsutil.Resolver, maxTotalBytes int64) (*Decoder, error) {
	if boundary == "" || len(boundary) > maxBoundaryLen {
		return nil, fmt.Errorf("%w: bad boundary", ErrMalformed)
	}
	d := &Decoder{
		src:   body,
		delim: []byte("\r\n--" + boundary),
		dest:  dest,
		res:   res,
		limit: maxTotalBytes,
		buf:   make([]byte, bufSize),
	}
	// The delimiter starts with CRLF but the first boundary line does not.
	// Seeding the buffer with a virtual CRLF lets one pattern match both.
	d.buf[0] = '\r'
	d.buf[1] = '\n'
	d.end = 2
	return d, nil
}

// Decode runs the decoder over the whole body and returns the files stored.
// On any error, including cancellation, every file and temp file written
// during this request is removed before returning.
func (d *Decoder) Decode(ctx context.Context) ([]SavedFile, error) {
	if err := d.run(ctx); err != nil {
		d.abortPart()
		d.discardSaved()
		return nil, err
	}
	return d.saved, nil
}

func (d *Decoder) run(ctx context.Context) error {
	for d.state != done {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		switch d.state {
		case seekingBoundary:
			err = d.seekBoundary()
		case readingPartHeaders:
			err = d.readPartHeaders()
		case readingPartBody:
			err = d.readPartBody()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// need ensures at least n bytes are buffered at d.start, sliding the window
// to the front and reading more input as necessary. It returns the bytes
// available, which is less than n only at end of input.
func (d *Decoder) need(n int) (int, error) {
	if d.end-d.start >= n || d.eof {
		return d.end - d.start, nil
	}
	if d.start > 0 {
		copy(d.buf, d.buf[d.start:d.end])
		d.end -= d.start
		d.start = 0
	}
	for d.end-d.start < n && !d.eof {
		m, err := d.src.Read(d.buf[d.end:])
		d.end += m
		if err == io.EOF {
			d.eof = true
		} else if err != nil {
			return 0, fmt.Errorf("read request body: %w", err)
		}
	}
	return d.end - d.start, nil
}

// seekBoundary discards preamble bytes until the first delimiter.
func (d *Decoder) seekBoundary() error {
	for {
		n, err := d.need(len(d.delim) + maxDelimTail)
		if err != nil {
			return err
		}
		window := d.buf[d.start : d.start+n]
		i := bytes.Index(window, d.delim)
		if i < 0 {
			if d.eof {
				return fmt.Errorf("%w: no boundary found", ErrMalformed)
			}
			keep := len(d.delim) - 1
			if n > keep {
				d.start += n - keep
			}
			continue
		}
		d.start += i
		final, ok, err := d.consumeDelimiter()
		if err != nil {
			return err
		}
		if !ok {
			d.start += len(d.delim)
			continue
		}
		if final {
			d.state = done
		} else {
			d.state = readingPartHeaders
		}
		return nil
	}
}

// consumeDelimiter examines the bytes following a delimiter match at
// d.start. On a real delimiter it consumes through the closing "--" or the
// trailing CRLF and reports which kind it was. On a false match, delimiter
// bytes occurring inside part content, it consumes nothing.
func (d *Decoder) consumeDelimiter() (final, ok bool, err error) {
	n, err := d.need(len(d.delim) + maxDelimTail)
	if err != nil {
		return false, false, err
	}
	tail := d.buf[d.start+len(d.delim) : d.start+n]
	if len(tail) >= 2 && tail[0] == '-' && tail[1] == '-' {
		d.start += len(d.delim) + 2
		return true, true, nil
	}
	i := 0
	for i < len(tail) && (tail[i] == ' ' || tail[i] == '\t') {
		i++
	}
	if i+2 <= len(tail) && tail[i] == '\r' && tail[i+1] == '\n' {
		d.start += len(d.delim) + i + 2
		return false, true, nil
	}
	return false, false, nil
}

// readPartHeaders consumes the header block of the next part and opens its
// destination.
func (d *Decoder) readPartHeaders() error {
	d.field = ""
	d.filename = ""
	remain := maxHeaderBytes
	for {
		line, err := d.readLine(remain)
		if err != nil {
			return err
		}
		remain -= len(line) + 2
		if remain < 0 {
			remain = 0
		}
		if len(line) == 0 {
			break
		}
		if err := d.applyHeader(line); err != nil {
			return err
		}
	}
	if err := d.openPartTarget(); err != nil {
		return err
	}
	d.state = readingPartBody
	return nil
}

// readLine consumes one CRLF-terminated line, returned without the
// terminator.
func (d *Decoder) readLine(limit int) ([]byte, error) {
	for {
		window := d.buf[d.start:d.end]
		if i := bytes.Index(window, []byte("\r\n")); i >= 0 {
			if i > limit {
				return nil, fmt.Errorf("%w: part headers too large", ErrMalformed)
			}
			line := window[:i]
			d.start += i + 2
			return line, nil
		}
		if d.eof {
			return nil, fmt.Errorf("%w: truncated part headers", ErrMalformed)
		}
		if len(window) > limit {
			return nil, fmt.Errorf("%w: part headers too large", ErrMalformed)
		}
		if _, err := d.need(len(window) + readChunk); err != nil {
			return nil, err
		}
	}
}

func (d *Decoder) applyHeader(line []byte) error {
	name, value, ok := strings.Cut(string(line), ":")
	if !ok {
		return fmt.Errorf("%w: invalid part header", ErrMalformed)
	}
	if !strings.EqualFold(strings.TrimSpace(name), "Content-Disposition") {
		return nil
	}
	_, params, err := mime.ParseMediaType(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%w: invalid content disposition", ErrMalformed)
	}
	d.field = params["name"]
	d.filename = params["filename"]
	return nil
}

// openPartTarget prepares the destination for the coming part body. Parts
// without a usable filename are form fields and get no destination.
func (d *Decoder) openPartTarget() error {
	d.written = 0
	d.out = nil
	name := SanitizeFileName(d.filename)
	if name == "" {
		return nil
	}
	target, err := d.res.Resolve(path.Join(d.dest.Rel(), name))
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(d.dest.Abs(), ".dirserve-*.part")
	if err != nil {
		return fmt.Errorf("create upload temp file: %w", err)
	}
	d.out = f
	d.tmpPath = f.Name()
	d.finalPath = target.Abs()
	d.name = name
	return nil
}

// readPartBody streams part content to its destination until the next
// delimiter.
func (d *Decoder) readPartBody() error {
	for {
		n, err := d.need(len(d.delim) + maxDelimTail)
		if err != nil {
			return err
		}
		window := d.buf[d.start : d.start+n]
		i := bytes.Index(window, d.delim)
		if i < 0 {
			if d.eof {
				return fmt.Errorf("%w: missing closing boundary", ErrMalformed)
			}
			keep := len(d.delim) - 1
			if n > keep {
				if err := d.writePart(window[:n-keep]); err != nil {
					return err
				}
				d.start += n - keep
			}
			continue
		}
		if err := d.writePart(window[:i]); err != nil {
			return err
		}
		d.start += i
		final, ok, err := d.consumeDelimiter()
		if err != nil {
			return err
		}
		if !ok {
			// Delimiter bytes inside content. The delimiter cannot
			// overlap itself, its only CR is the first byte, so it is
			// safe to flush and step past the whole match.
			if err := d.writePart(d.buf[d.start : d.start+len(d.delim)]); err != nil {
				return err
			}
			d.start += len(d.delim)
			continue
		}
		if err := d.finishPart(); err != nil {
			return err
		}
		if final {
			d.state = done
		} else {
			d.state = readingPartHeaders
		}
		return nil
	}
}

// writePart accounts for a slice of decoded part content and persists it
// when the part has a file destination.
func (d *Decoder) writePart(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	d.total += int64(len(p))
	if d.limit > 0 && d.total > d.limit {
		return ErrTooLarge
	}
	if d.out == nil {
		return nil
	}
	if _, err := d.out.Write(p); err != nil {
		return fmt.Errorf("write upload data: %w", err)
	}
	d.written += int64(len(p))
	return nil
}

// finishPart closes the current part, promoting a completed file part to
// its final name. The rename is atomic, so a concurrent download never
// observes a half-written file and the last completed upload wins.
func (d *Decoder) finishPart() error {
	if d.out == nil {
		return nil
	}
	f := d.out
	tmp := d.tmpPath
	d.out = nil
	d.tmpPath = ""
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close upload temp file: %w", err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("set upload permissions: %w", err)
	}
	if err := os.Rename(tmp, d.finalPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store upload: %w", err)
	}
	d.saved = append(d.saved, SavedFile{
		Field: d.field,
		Name:  d.name,
		Path:  d.finalPath,
		Size:  d.written,
	})
	return nil
}

func (d *Decoder) abortPart() {
	if d.out != nil {
		d.out.Close()
		d.out = nil
	}
	if d.tmpPath != "" {
		os.Remove(d.tmpPath)
		d.tmpPath = ""
	}
}

func (d *Decoder) discardSaved() {
	for _, f := range d.saved {
		os.Remove(f.Path)
	}
	d.saved = nil
}

// SanitizeFileName reduces a client-supplied filename to a bare name safe
// to join under the upload directory. It returns "" when nothing usable
// remains.
func SanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.ReplaceAll(name, "\x00", "")
	switch name {
	case "", ".", "..", "/":
		return ""
	}
	return name
}
