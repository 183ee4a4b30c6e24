// Package mockfoundry serves the subset of the Foundry v2 dataset API used by transform sessions:
// branch lookup, readTable, and single-file SNAPSHOT transactions.
package mockfoundry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
}

// Upload records a file upload into a dataset transaction.
type Upload struct {
	DatasetRID string
	TxnID      string
	FilePath   string
	Bytes      []byte
}

// Server is an in-memory dataset service. Input tables are read from inputDir/<rid>.csv unless
// seeded; committed heads are mirrored to uploadDir when it is set so a restarted server can serve
// them again.
type Server struct {
	inputDir  string
	uploadDir string

	mu      sync.Mutex
	calls   []Call
	uploads []Upload

	expectedAuthorization string

	nextTxn int
	txns    map[string]*txnState
	// order lists transaction ids per dataset, oldest first.
	order map[string][]string
	heads map[string]head
}

type head struct {
	txnID string
	table []byte
}

type txnState struct {
	datasetRID string
	branch     string
	status     string
	created    time.Time
	closed     *time.Time
	files      map[string][]byte
}

// New constructs a new mock server. Either directory may be empty.
func New(inputDir, uploadDir string) *Server {
	return &Server{
		inputDir:  inputDir,
		uploadDir: uploadDir,
		nextTxn:   1,
		txns:      make(map[string]*txnState),
		order:     make(map[string][]string),
		heads:     make(map[string]head),
	}
}

// RequireBearerToken enforces that requests include an Authorization header matching the token.
// If token is empty, authorization is not enforced.
func (s *Server) RequireBearerToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token = strings.TrimSpace(token)
	if token == "" {
		s.expectedAuthorization = ""
		return
	}
	s.expectedAuthorization = "Bearer " + token
}

// Seed sets the current contents of a dataset without a transaction.
func (s *Server) Seed(datasetRID string, table []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heads[datasetRID] = head{table: append([]byte(nil), table...)}
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v2/datasets/{rid}/branches/{branch}", s.handleGetBranch)
	mux.HandleFunc("GET /api/v2/datasets/{rid}/readTable", s.handleReadTable)
	mux.HandleFunc("POST /api/v2/datasets/{rid}/transactions", s.handleCreateTransaction)
	mux.HandleFunc("GET /api/v2/datasets/{rid}/transactions", s.handleListTransactions)
	mux.HandleFunc("POST /api/v2/datasets/{rid}/transactions/{txn}/commit", s.handleCommit)
	mux.HandleFunc("POST /api/v2/datasets/{rid}/transactions/{txn}/abort", s.handleAbort)
	mux.HandleFunc("POST /api/v2/datasets/{rid}/files/{path...}", s.handleUpload)
	return s.middleware(mux)
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Uploads returns a snapshot of uploads made to the server.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Upload, len(s.uploads))
	copy(out, s.uploads)
	return out
}

// Committed returns the committed contents of a dataset.
func (s *Server) Committed(datasetRID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.heads[datasetRID]
	if !ok || h.txnID == "" {
		return nil, false
	}
	return append([]byte(nil), h.table...), true
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path})
		expected := s.expectedAuthorization
		s.mu.Unlock()

		if expected != "" && r.Header.Get("Authorization") != expected {
			writeConjureError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Default:Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeConjureError(w http.ResponseWriter, status int, code, name string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"errorCode":       code,
		"errorName":       name,
		"errorInstanceId": fmt.Sprintf("mock-%d", time.Now().UnixNano()),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// loadHead returns the dataset contents, falling back to the persisted head and then the input dir.
// Callers must hold s.mu.
func (s *Server) loadHead(datasetRID string) (head, bool) {
	if h, ok := s.heads[datasetRID]; ok {
		return h, true
	}
	if s.uploadDir != "" {
		if b, err := os.ReadFile(s.committedTablePath(datasetRID)); err == nil {
			h := head{txnID: "persisted", table: b}
			s.heads[datasetRID] = h
			return h, true
		}
	}
	if s.inputDir != "" {
		if b, err := os.ReadFile(filepath.Join(s.inputDir, datasetRID+".csv")); err == nil {
			return head{table: b}, true
		}
	}
	return head{}, false
}

func (s *Server) handleGetBranch(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	s.mu.Lock()
	h, ok := s.loadHead(rid)
	s.mu.Unlock()
	if !ok {
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "Datasets:DatasetNotFound")
		return
	}
	writeJSON(w, map[string]string{"name": r.PathValue("branch"), "transactionRid": h.txnID})
}

func (s *Server) handleReadTable(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	s.mu.Lock()
	h, ok := s.loadHead(rid)
	s.mu.Unlock()
	if !ok {
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "Datasets:DatasetNotFound")
		return
	}
	if end := r.URL.Query().Get("endTransactionRid"); end != "" && h.txnID != "" && end != h.txnID {
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "Datasets:TransactionNotFound")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	_, _ = w.Write(h.table)
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	var req struct {
		TransactionType string `json:"transactionType"`
	}
	if b, _ := io.ReadAll(r.Body); len(b) > 0 {
		if err := json.Unmarshal(b, &req); err != nil {
			writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
			return
		}
	}
	if req.TransactionType != "" && req.TransactionType != "SNAPSHOT" {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}

	s.mu.Lock()
	for _, id := range s.order[rid] {
		if s.txns[id].status == "OPEN" {
			s.mu.Unlock()
			writeConjureError(w, http.StatusConflict, "CONFLICT", "OpenTransactionAlreadyExists")
			return
		}
	}
	id := fmt.Sprintf("ri.foundry.main.transaction.%06d", s.nextTxn)
	s.nextTxn++
	now := time.Now().UTC()
	s.txns[id] = &txnState{
		datasetRID: rid,
		branch:     r.URL.Query().Get("branchName"),
		status:     "OPEN",
		created:    now,
		files:      make(map[string][]byte),
	}
	s.order[rid] = append(s.order[rid], id)
	s.mu.Unlock()

	writeJSON(w, map[string]string{
		"rid":             id,
		"transactionType": "SNAPSHOT",
		"status":          "OPEN",
		"createdTime":     now.Format(time.RFC3339),
	})
}

type transactionJSON struct {
	RID             string  `json:"rid"`
	TransactionType string  `json:"transactionType"`
	Status          string  `json:"status"`
	CreatedTime     string  `json:"createdTime"`
	ClosedTime      *string `json:"closedTime,omitempty"`
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	s.mu.Lock()
	ids := s.order[rid]
	data := make([]transactionJSON, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		t := s.txns[ids[i]]
		tj := transactionJSON{
			RID:             ids[i],
			TransactionType: "SNAPSHOT",
			Status:          t.status,
			CreatedTime:     t.created.Format(time.RFC3339),
		}
		if t.closed != nil {
			c := t.closed.Format(time.RFC3339)
			tj.ClosedTime = &c
		}
		data = append(data, tj)
	}
	s.mu.Unlock()
	writeJSON(w, map[string]any{"data": data})
}

// openTxn returns the transaction if it belongs to rid and is still open. Callers must hold s.mu.
func (s *Server) openTxn(w http.ResponseWriter, rid, txnID string) (*txnState, bool) {
	t, ok := s.txns[txnID]
	if !ok || t.datasetRID != rid {
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "TransactionNotFound")
		return nil, false
	}
	if t.status != "OPEN" {
		writeConjureError(w, http.StatusConflict, "CONFLICT", "TransactionNotOpen")
		return nil, false
	}
	return t, true
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	filePath, ok := strings.CutSuffix(r.PathValue("path"), "/upload")
	if !ok || !isSafeFilePath(filePath) {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}
	txnID := r.URL.Query().Get("transactionRid")

	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.openTxn(w, rid, txnID)
	if !ok {
		return
	}
	t.files[filePath] = b
	s.uploads = append(s.uploads, Upload{DatasetRID: rid, TxnID: txnID, FilePath: filePath, Bytes: b})
	writeJSON(w, map[string]string{"path": filePath, "transactionRid": txnID})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	rid, txnID := r.PathValue("rid"), r.PathValue("txn")

	s.mu.Lock()
	t, ok := s.openTxn(w, rid, txnID)
	if !ok {
		s.mu.Unlock()
		return
	}
	if len(t.files) != 1 {
		s.mu.Unlock()
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}
	var table []byte
	for _, b := range t.files {
		table = b
	}
	now := time.Now().UTC()
	t.status = "COMMITTED"
	t.closed = &now
	s.heads[rid] = head{txnID: txnID, table: table}
	s.mu.Unlock()

	if s.uploadDir != "" {
		p := s.committedTablePath(rid)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err == nil {
			_ = os.WriteFile(p, table, 0o644)
		}
	}
	writeJSON(w, map[string]string{"rid": txnID, "status": "COMMITTED"})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	rid, txnID := r.PathValue("rid"), r.PathValue("txn")

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.openTxn(w, rid, txnID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	t.status = "ABORTED"
	t.closed = &now
	t.files = nil
	writeJSON(w, map[string]string{"rid": txnID, "status": "ABORTED"})
}

func (s *Server) committedTablePath(datasetRID string) string {
	return filepath.Join(s.uploadDir, datasetRID, "_committed", "readTable.csv")
}

func isSafeFilePath(p string) bool {
	if p == "" {
		return false
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
