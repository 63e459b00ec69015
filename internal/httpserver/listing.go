package httpserver

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"dirserve/internal/fsutil"
	"dirserve/internal/logging"
)

// listEntry is one row of a directory listing.
type listEntry struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Modified int64  `json:"modified,omitempty"`
	IsDir    bool   `json:"is_dir"`
}

type listingResponse struct {
	Path    string      `json:"path"`
	Entries []listEntry `json:"entries"`
}

// listDir reads one directory level. Directories sort before files, both
// case-insensitively; outside the root a ".." entry leads the list. Entries
// whose metadata cannot be read stay listed with zero size and no timestamp.
func (s *Server) listDir(dir fsutil.SandboxedPath) ([]listEntry, error) {
	dirents, err := os.ReadDir(dir.Abs())
	if err != nil {
		return nil, err
	}
	entries := make([]listEntry, 0, len(dirents)+1)
	for _, de := range dirents {
		name := de.Name()
		if s.hidden(name) || s.isStateDir(filepath.Join(dir.Abs(), name)) {
			continue
		}
		info, ierr := de.Info()
		if de.Type()&fs.ModeSymlink != 0 {
			// Listings describe what a link points at so clients can
			// navigate through it. Broken links keep their lstat data.
			if st, serr := os.Stat(filepath.Join(dir.Abs(), name)); serr == nil {
				info, ierr = st, nil
			}
		}
		e := listEntry{Name: name, Path: joinRel(dir.Rel(), name)}
		if ierr == nil {
			e.Size = info.Size()
			e.Modified = info.ModTime().Unix()
			e.IsDir = info.IsDir()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	if !dir.IsRoot() {
		parent := path.Dir(dir.Rel())
		if parent == "." {
			parent = ""
		}
		entries = append([]listEntry{{Name: "..", Path: parent, IsDir: true}}, entries...)
	}
	return entries, nil
}

func (s *Server) serveListingJSON(w http.ResponseWriter, r *http.Request, dir fsutil.SandboxedPath) {
	entries, err := s.listDir(dir)
	if err != nil {
		s.replyFSError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, http.StatusOK, listingResponse{Path: dir.Rel(), Entries: entries})
}

func (s *Server) serveListingHTML(w http.ResponseWriter, r *http.Request, dir fsutil.SandboxedPath) {
	entries, err := s.listDir(dir)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, fs.ErrPermission):
			http.Error(w, "permission denied", http.StatusForbidden)
		default:
			logging.WithContext(r.Context()).Error("list directory",
				zap.String("path", dir.Rel()), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	rows := make([]dirPageRow, 0, len(entries))
	for _, e := range entries {
		row := dirPageRow{
			Name:  e.Name,
			Href:  pathHref(e.Path),
			IsDir: e.IsDir,
			Size:  "-",
			MTime: "-",
		}
		if !e.IsDir {
			row.Size = humanSize(e.Size)
		}
		if e.Modified > 0 {
			row.MTime = time.Unix(e.Modified, 0).Format("2006-01-02 15:04")
		}
		rows = append(rows, row)
	}
	data := dirPageData{
		Title:      "/" + dir.Rel(),
		Crumbs:     breadcrumbs(dir.Rel()),
		Rows:       rows,
		UploadTo:   pathHref(dir.Rel()),
		ArchiveURL: pathHref(dir.Rel()) + "?download=zip",
	}

	var buf bytes.Buffer
	if err := dirPageTmpl.Execute(&buf, data); err != nil {
		logging.WithContext(r.Context()).Error("render listing",
			zap.String("path", dir.Rel()), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = buf.WriteTo(w)
}

type crumb struct {
	Name string
	Href string
}

type dirPageRow struct {
	Name  string
	Href  string
	Size  string
	MTime string
	IsDir bool
}

type dirPageData struct {
	Title      string
	Crumbs     []crumb
	Rows       []dirPageRow
	UploadTo   string
	ArchiveURL string
}

// breadcrumbs builds one link per path segment, root first.
func breadcrumbs(rel string) []crumb {
	crumbs := []crumb{{Name: "root", Href: "/"}}
	if rel == "" {
		return crumbs
	}
	acc := ""
	for _, seg := range strings.Split(rel, "/") {
		acc = joinRel(acc, seg)
		crumbs = append(crumbs, crumb{Name: seg, Href: pathHref(acc)})
	}
	return crumbs
}

// pathHref turns a slash-based relative path into an absolute URL path with
// each segment escaped.
func pathHref(rel string) string {
	if rel == "" {
		return "/"
	}
	segs := strings.Split(rel, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return "/" + strings.Join(segs, "/")
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

const dirPageHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
 body { font-family: -apple-system, system-ui, sans-serif; margin: 2rem auto; max-width: 56rem; padding: 0 1rem; color: #222; }
 h1 { font-size: 1.25rem; font-weight: 600; }
 h1 a { color: #0366d6; text-decoration: none; }
 table { width: 100%; border-collapse: collapse; }
 th, td { text-align: left; padding: .4rem .6rem; border-bottom: 1px solid #eee; }
 th { font-size: .75rem; text-transform: uppercase; letter-spacing: .04em; color: #888; }
 td.num { text-align: right; white-space: nowrap; color: #555; font-variant-numeric: tabular-nums; }
 a { color: #0366d6; text-decoration: none; }
 a:hover { text-decoration: underline; }
 .dir { font-weight: 600; }
 .actions { margin: 1rem 0; font-size: .9rem; }
 form.upload { margin: 1.5rem 0; padding: 1rem; border: 1px dashed #ccc; border-radius: 6px; }
</style>
</head>
<body>
<h1>{{range $i, $c := .Crumbs}}{{if $i}} / {{end}}<a href="{{$c.Href}}">{{$c.Name}}</a>{{end}}</h1>
<p class="actions"><a href="{{.ArchiveURL}}">Download folder (.tar.gz)</a></p>
<table>
<tr><th>Name</th><th class="num">Size</th><th class="num">Modified</th></tr>
{{range .Rows}}<tr><td><a {{if .IsDir}}class="dir" {{end}}href="{{.Href}}">{{.Name}}{{if .IsDir}}/{{end}}</a></td><td class="num">{{.Size}}</td><td class="num">{{.MTime}}</td></tr>
{{end}}</table>
<form class="upload" method="post" action="{{.UploadTo}}" enctype="multipart/form-data">
<input type="file" name="file" multiple>
<button type="submit">Upload</button>
</form>
</body>
</html>
`

var dirPageTmpl = template.Must(template.New("dir").Parse(dirPageHTML))
