package fundex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/oarkflow/filters"
	"github.com/oarkflow/json"
)

// Server exposes the engine and syncer over HTTP. Handlers are thin: query
// parsing plus status mapping, no search logic of their own.
type Server struct {
	engine  *Engine
	syncer  *Syncer
	tracker *Tracker
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewServer wires the HTTP surface. syncer and tracker may be nil; the
// endpoints that need them answer 404.
func NewServer(engine *Engine, syncer *Syncer, tracker *Tracker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:  engine,
		syncer:  syncer,
		tracker: tracker,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /search", s.handleSearch)
	s.mux.HandleFunc("POST /criteria", s.handleCriteria)
	s.mux.HandleFunc("GET /suggest", s.handleSuggest)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("POST /refresh", s.handleRefresh)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the server on addr, shutting down when ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	s.logger.Info("http server listening", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// builtInParams are reserved search parameters; any other query parameter is
// parsed into a field-level filter condition.
var builtInParams = []string{"q", "limit", "sort_by", "sort_order", "fuzzy", "pinyin"}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")

	parsed, err := filters.ParseQuery(r.URL.RawQuery, builtInParams...)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error parsing filters: %v", err), http.StatusBadRequest)
		return
	}
	conds := make([]filters.Condition, 0, len(parsed))
	for _, v := range parsed {
		conds = append(conds, &filters.Filter{
			Field:    v.Field,
			Operator: v.Operator,
			Value:    v.Value,
			Reverse:  v.Reverse,
			Lookup:   v.Lookup,
		})
	}

	result, err := s.engine.Search(r.Context(), query, func(o *SearchOptions) {
		if n, convErr := strconv.Atoi(q.Get("limit")); convErr == nil && n > 0 {
			o.MaxResults = n
		}
		if sortBy := q.Get("sort_by"); sortBy != "" {
			o.SortBy = sortBy
		}
		if order := q.Get("sort_order"); order != "" {
			o.SortOrder = order
		}
		if fuzzy := q.Get("fuzzy"); fuzzy != "" {
			enabled := fuzzy == "true" || fuzzy == "1"
			o.Fuzzy = &enabled
		}
		if pinyin := q.Get("pinyin"); pinyin != "" {
			enabled := pinyin == "true" || pinyin == "1"
			o.Pinyin = &enabled
		}
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(conds) > 0 {
		result.Records = filterRecords(result.Records, conds)
		result.Total = len(result.Records)
	}
	s.writeJSON(w, http.StatusOK, result)
}

// filterRecords narrows search results with the conditions parsed from extra
// query parameters.
func filterRecords(records []FundRecord, conds []filters.Condition) []FundRecord {
	rule := filters.NewRule()
	rule.AddCondition(filters.Boolean("AND"), false, conds...)
	out := records[:0]
	for _, rec := range records {
		if rule.Match(recordMap(rec)) {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Server) handleCriteria(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading body: %v", err), http.StatusBadRequest)
		return
	}
	var req CriteriaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("Error unmarshalling request: %v", err), http.StatusBadRequest)
		return
	}
	result, err := s.engine.SearchByCriteria(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix := strings.TrimSpace(q.Get("q"))
	if prefix == "" {
		http.Error(w, "query parameter q required", http.StatusBadRequest)
		return
	}
	max := 10
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		max = n
	}
	suggestions := s.engine.Suggest(prefix, max)
	if suggestions == nil {
		suggestions = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": suggestions,
		"total":       len(suggestions),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"engine": s.engine.Stats(),
	}
	if s.syncer != nil {
		payload["sync_state"] = s.syncer.State()
		payload["cache"] = s.syncer.Metadata()
	}
	if s.tracker != nil {
		payload["hot_queries"] = s.tracker.TopK(10)
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		http.Error(w, "no sync source configured", http.StatusNotFound)
		return
	}
	force := r.URL.Query().Get("force") == "true"
	report, err := s.syncer.Refresh(r.Context(), force)
	if err != nil {
		s.logger.Error("manual refresh failed", "error", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  err.Error(),
			"report": report,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		http.Error(w, verr.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotReady):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
