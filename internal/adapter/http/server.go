package http

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/cwygoda/datastash/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBodySize = 1 << 20

// Server is the HTTP adapter for the dataset cache.
type Server struct {
	svc    *domain.Service
	mux    *http.ServeMux
	server *http.Server
	secret string
	logger *slog.Logger
}

// NewServer creates a new HTTP server. When secret is set, mutating
// requests must carry a valid X-Timestamp/X-Signature pair.
func NewServer(svc *domain.Service, addr string, secret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		mux:    http.NewServeMux(),
		secret: secret,
		logger: logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /datasets", s.handleListDatasets)
	s.mux.HandleFunc("GET /datasets/{id}", s.handleGetDataset)
	s.mux.HandleFunc("POST /datasets", s.handleFetch)
	s.mux.HandleFunc("DELETE /datasets/{id}", s.handleDeleteDataset)
	s.mux.HandleFunc("GET /search", s.handleSearch)
	s.mux.HandleFunc("POST /preview", s.handlePreview)
}

// fetchRequest is the request body for POST /datasets.
type fetchRequest struct {
	Kind       string `json:"kind,omitempty"`
	Identifier string `json:"identifier"`
	Force      bool   `json:"force,omitempty"`
}

// previewRequest is the request body for POST /preview.
type previewRequest struct {
	Kind       string `json:"kind,omitempty"`
	Identifier string `json:"identifier"`
	Rows       int    `json:"rows,omitempty"`
}

// datasetResponse is the JSON form of a catalog entry.
type datasetResponse struct {
	ID         string   `json:"id"`
	Index      int      `json:"index,omitempty"`
	Kind       string   `json:"kind"`
	Identifier string   `json:"identifier"`
	Path       string   `json:"path"`
	DataPath   string   `json:"data_path"`
	Format     string   `json:"format"`
	SizeBytes  int64    `json:"size_bytes"`
	FetchedAt  string   `json:"fetched_at"`
	Files      []string `json:"files,omitempty"`
}

type summaryResponse struct {
	Ref           string `json:"ref"`
	Title         string `json:"title"`
	SizeBytes     int64  `json:"size_bytes"`
	LastUpdated   string `json:"last_updated,omitempty"`
	DownloadCount int64  `json:"download_count"`
	VoteCount     int64  `json:"vote_count"`
}

type previewResponse struct {
	Kind       string     `json:"kind"`
	Identifier string     `json:"identifier"`
	Title      string     `json:"title,omitempty"`
	File       string     `json:"file"`
	Format     string     `json:"format"`
	Columns    []string   `json:"columns"`
	Rows       [][]string `json:"rows"`
	Files      []string   `json:"files,omitempty"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	withFiles, _ := strconv.ParseBool(r.URL.Query().Get("files"))
	entries, err := s.svc.ListDatasets(r.Context(), withFiles)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]datasetResponse, 0, len(entries))
	for i := range entries {
		resp := entryToResponse(&entries[i])
		resp.Index = i + 1
		out = append(out, resp)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Catalog().ByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entryToResponse(e))
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readVerified(w, r)
	if !ok {
		return
	}

	var req fetchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Identifier == "" {
		s.writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}
	var kind domain.SourceKind
	if req.Kind != "" {
		k, err := domain.ParseSourceKind(req.Kind)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kind = k
	}

	e, err := s.svc.Fetch(r.Context(), domain.FetchRequest{Kind: kind, Identifier: req.Identifier, Force: req.Force})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entryToResponse(e))
}

func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.readVerified(w, r); !ok {
		return
	}
	e, err := s.svc.Catalog().ByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.svc.DeleteDataset(r.Context(), e.Key); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	results, err := s.svc.Search(r.Context(), q.Get("q"), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]summaryResponse, 0, len(results))
	for _, sum := range results {
		resp := summaryResponse{
			Ref:           sum.Ref,
			Title:         sum.Title,
			SizeBytes:     sum.Size,
			DownloadCount: sum.DownloadCount,
			VoteCount:     sum.VoteCount,
		}
		if !sum.LastUpdated.IsZero() {
			resp.LastUpdated = sum.LastUpdated.UTC().Format(time.RFC3339)
		}
		out = append(out, resp)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readVerified(w, r)
	if !ok {
		return
	}
	var req previewRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Identifier == "" {
		s.writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}
	var kind domain.SourceKind
	if req.Kind != "" {
		k, err := domain.ParseSourceKind(req.Kind)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kind = k
	}

	p, err := s.svc.Preview(r.Context(), kind, req.Identifier, req.Rows)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	rows := p.Rows
	if rows == nil {
		rows = [][]string{}
	}
	s.writeJSON(w, http.StatusOK, previewResponse{
		Kind:       string(p.Key.Kind),
		Identifier: p.Key.Identifier,
		Title:      p.Title,
		File:       p.File,
		Format:     p.Format.String(),
		Columns:    p.Columns,
		Rows:       rows,
		Files:      p.Files,
	})
}

// readVerified reads the body and checks its signature when a secret is
// configured. It writes the error response itself.
func (s *Server) readVerified(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if s.secret != "" {
		if err := s.verifySignature(r, body); err != nil {
			s.logger.Warn("request verification failed",
				"category", "security",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"error", err)
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return nil, false
		}
	}
	return body, true
}

const maxTimestampSkew = 5 * time.Minute

func (s *Server) verifySignature(r *http.Request, body []byte) error {
	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Timestamp header")
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp: must be ISO8601/RFC3339 format")
	}

	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}

	if !hmac.Equal([]byte(signature), []byte(Sign(timestamp, body, s.secret))) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// Sign computes the request signature: SHA256("${timestamp}\n${body}\n${secret}")
// in lowercase hex.
func Sign(timestamp string, body []byte, secret string) string {
	var buf bytes.Buffer
	buf.WriteString(timestamp)
	buf.WriteByte('\n')
	buf.Write(body)
	buf.WriteByte('\n')
	buf.WriteString(secret)
	hash := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(hash[:])
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSourceResolution):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCatalog):
		return http.StatusConflict
	case errors.Is(err, domain.ErrFormat), errors.Is(err, domain.ErrArchive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrResource):
		return http.StatusInsufficientStorage
	case errors.Is(err, domain.ErrFetch):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	resp := errorResponse{Error: err.Error()}
	if k := domain.KindOf(err); k != nil {
		resp.Kind = k.Error()
	}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func entryToResponse(e *domain.Entry) datasetResponse {
	return datasetResponse{
		ID:         e.Key.ID(),
		Kind:       string(e.Key.Kind),
		Identifier: e.Key.Identifier,
		Path:       e.LocalPath,
		DataPath:   e.DataPath(),
		Format:     e.Format.String(),
		SizeBytes:  e.Size,
		FetchedAt:  e.FetchedAt.UTC().Format(time.RFC3339),
		Files:      e.Files,
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
