// Package server exposes transform sessions over HTTP.
//
// POST /api/process takes a multipart upload (file, natural_language). Small inputs answer 200 with
// the whole transformed table; large CSV inputs are streamed into an artifact and answer 202 with a
// preview and a download URL served by GET /api/download/{id}.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/shpitdev/tablemorph/internal/app"
	"github.com/shpitdev/tablemorph/internal/artifact"
	"github.com/shpitdev/tablemorph/internal/config"
	"github.com/shpitdev/tablemorph/internal/explain"
	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
	"github.com/shpitdev/tablemorph/pkg/pipeline/redact"
)

const (
	// DownloadFilename is the attachment name of every artifact download.
	DownloadFilename = "processed.csv"

	maxMemoryBytes = 32 << 20
)

// Server routes HTTP requests to a Service.
type Server struct {
	Service   *app.Service
	Artifacts *artifact.Store
	Explainer explain.Explainer
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
	Logger  *log.Logger
}

func (s *Server) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.New(os.Stdout, "", log.LstdFlags)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/process", s.handleProcess)
	mux.HandleFunc("POST /api/process/", s.handleProcess)
	mux.HandleFunc("GET /api/download/{id}", s.handleDownload)
	mux.HandleFunc("GET /api/download/{id}/", s.handleDownload)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
	Debug string `json:"debug,omitempty"`
}

type tableResponse struct {
	Table    []record `json:"table"`
	RowCount int      `json:"row_count"`
}

type streamedResponse struct {
	DownloadURL string   `json:"download_url"`
	Preview     []record `json:"preview"`
	RowCount    int      `json:"row_count"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMemoryBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "expected a multipart form: " + err.Error()})
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	instruction := strings.TrimSpace(r.FormValue("natural_language"))
	switch {
	case instruction == "":
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "natural_language is required"})
		return
	case utf8.RuneCountInString(instruction) > config.MaxInstructionChars:
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: fmt.Sprintf("natural_language must be at most %d characters", config.MaxInstructionChars),
		})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "file is required"})
		return
	}
	defer func() {
		_ = file.Close()
	}()

	out, err := s.Service.Process(r.Context(), instruction, header.Filename, file, header.Size)
	if err != nil {
		s.writeSessionError(r.Context(), w, err)
		return
	}

	if out.Streamed {
		writeJSON(w, http.StatusAccepted, streamedResponse{
			DownloadURL: absoluteURL(r, "/api/download/"+out.ArtifactID+"/"),
			Preview:     records(out.Preview),
			RowCount:    out.RowCount,
		})
		return
	}
	writeJSON(w, http.StatusOK, tableResponse{Table: records(out.Table), RowCount: out.RowCount})
}

func (s *Server) writeSessionError(ctx context.Context, w http.ResponseWriter, err error) {
	raw := redact.Secrets(err.Error())
	s.logger().Printf("process failed: %s", raw)
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error: explain.Explain(ctx, s.Explainer, err),
		Debug: raw,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if s.Artifacts == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "file not found"})
		return
	}
	rec, err := s.Artifacts.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		if !errors.Is(err, artifact.ErrNotFound) {
			s.logger().Printf("resolve artifact %q: %v", r.PathValue("id"), err)
		}
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "file not found"})
		return
	}
	f, err := os.Open(rec.Path)
	if err != nil {
		s.logger().Printf("open artifact %s: %v", rec.ID, err)
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "file not found"})
		return
	}
	defer func() {
		_ = f.Close()
	}()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+DownloadFilename+`"`)
	if rec.Digest != "" {
		w.Header().Set("ETag", `"`+rec.Digest+`"`)
	}
	http.ServeContent(w, r, DownloadFilename, rec.FinalizedAt, f)
}

func absoluteURL(r *http.Request, path string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return scheme + "://" + r.Host + path
}

// record is one table row encoded as a JSON object with keys in column order.
type record struct {
	columns []string
	values  []any
}

func (r record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range r.columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(r.values[i])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// records converts f to JSON rows. Numeric columns become JSON numbers; missing cells and
// non-finite values become "".
func records(f *frame.Frame) []record {
	if f == nil {
		return []record{}
	}
	columns := f.Columns()
	cols := make([]*frame.Column, len(columns))
	for i, name := range columns {
		cols[i], _ = f.Column(name)
	}
	out := make([]record, f.Len())
	for row := range out {
		values := make([]any, len(cols))
		for i, c := range cols {
			values[i] = cellValue(c.Kind, c.Values[row])
		}
		out[row] = record{columns: columns, values: values}
	}
	return out
}

func cellValue(kind frame.Kind, cell string) any {
	switch kind {
	case frame.KindInteger:
		if v, err := strconv.ParseInt(strings.TrimSpace(cell), 10, 64); err == nil {
			return v
		}
	case frame.KindFloat:
		if v, ok := frame.ParseFloat(cell); ok {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return ""
			}
			return v
		}
		if strings.TrimSpace(cell) == "" {
			return ""
		}
	}
	return cell
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
