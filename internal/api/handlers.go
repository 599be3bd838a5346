package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/ruleforge/internal/mitre"
	"github.com/lvonguyen/ruleforge/internal/repository"
	"github.com/lvonguyen/ruleforge/internal/stix"
	"github.com/lvonguyen/ruleforge/internal/validation"
)

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.opts.Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil || !s.opts.Store.Loaded() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": "technique catalog not loaded",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Catalog handlers

func (s *Server) requireCatalog(w http.ResponseWriter) bool {
	if s.opts.Store == nil || !s.opts.Store.Loaded() {
		writeError(w, http.StatusServiceUnavailable, "technique catalog not loaded")
		return false
	}
	return true
}

func (s *Server) handleListTechniques(w http.ResponseWriter, r *http.Request) {
	if !s.requireCatalog(w) {
		return
	}

	q := r.URL.Query()
	filter := mitre.ListFilter{Tactic: q.Get("tactic")}
	if v := q.Get("include_deprecated"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "include_deprecated must be a boolean")
			return
		}
		filter.IncludeDeprecated = b
	}

	techniques := s.opts.Store.List(filter)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"techniques": techniques,
		"count":      len(techniques),
	})
}

func (s *Server) handleGetTechnique(w http.ResponseWriter, r *http.Request) {
	if !s.requireCatalog(w) {
		return
	}

	id := chi.URLParam(r, "id")
	t, ok := s.opts.Store.GetTechnique(id)
	if !ok {
		writeError(w, http.StatusNotFound, "technique not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTactics(w http.ResponseWriter, r *http.Request) {
	if !s.requireCatalog(w) {
		return
	}

	tactics := s.opts.Store.Tactics()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tactics": tactics,
		"count":   len(tactics),
	})
}

func (s *Server) handleReloadCatalog(w http.ResponseWriter, r *http.Request) {
	if s.opts.Loader == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog loader not configured")
		return
	}

	force := r.URL.Query().Get("force") == "true"
	snap, err := s.opts.Loader.Load(r.Context(), force)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, mitre.ErrFetchFailed) || errors.Is(err, stix.ErrMalformedBundle) {
			status = http.StatusBadGateway
		}
		s.logger.Error("Catalog reload failed", zap.Bool("force", force), zap.Error(err))
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "reloaded",
		"snapshot_id": snap.ID,
		"source":      snap.Source,
		"techniques":  snap.Catalog.Len(),
		"dropped":     snap.Dropped,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeJSON(w, http.StatusOK, mitre.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Store.Stats())
}

// Validation handlers

// validateResponse is a validation report with its verdict.
type validateResponse struct {
	*validation.Report
	Passed bool `json:"passed"`
}

func (s *Server) handleValidateRule(w http.ResponseWriter, r *http.Request) {
	file := r.URL.Query().Get("file")
	if file == "" {
		file = "request"
	}

	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	doc, err := validation.Decode(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "rule file too large")
			return
		}
		s.countRule("none", "decode_error")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := validation.Validate(doc, file)
	if err != nil {
		s.countRule("none", "missing_declaration")
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.logAdvisories(report)

	result := "passed"
	if !report.Passed() {
		result = "failed"
	}
	s.countRule(ruleTypeLabel(report), result)

	writeJSON(w, http.StatusOK, validateResponse{Report: report, Passed: report.Passed()})
}

func (s *Server) logAdvisories(report *validation.Report) {
	for _, adv := range report.Advisories {
		s.logger.Warn("Rule validation advisory",
			zap.String("file", report.File),
			zap.String("rule_type", report.RuleType),
			zap.String("advisory", adv),
		)
	}
}

// ruleTypeLabel bounds the metric label to the known rule types.
func ruleTypeLabel(report *validation.Report) string {
	if !report.Recognized() {
		return string(validation.RuleTypeUnknown)
	}
	return report.RuleType
}

func (s *Server) countRule(ruleType, result string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RulesValidated.WithLabelValues(ruleType, result).Inc()
	}
}

// Repository handlers

func (s *Server) requireRepos(w http.ResponseWriter) bool {
	if s.opts.Repos == nil {
		writeError(w, http.StatusServiceUnavailable, "repository manager not initialized")
		return false
	}
	return true
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	if !s.requireRepos(w) {
		return
	}
	repos := s.opts.Repos.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"repositories": repos,
		"count":        len(repos),
	})
}

func (s *Server) handleGetRepoStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireRepos(w) {
		return
	}
	status, err := s.opts.Repos.Status(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSyncRepo(w http.ResponseWriter, r *http.Request) {
	if !s.requireRepos(w) {
		return
	}
	result, err := s.opts.Repos.Sync(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleValidateRepo(w http.ResponseWriter, r *http.Request) {
	if !s.requireRepos(w) {
		return
	}
	summary, err := s.opts.Repos.ValidateRules(r.Context(), chi.URLParam(r, "name"), s.opts.Workers)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	for _, res := range summary.Results {
		switch {
		case res.Report == nil:
			s.countRule("none", "error")
		case res.Report.Passed():
			s.logAdvisories(res.Report)
			s.countRule(ruleTypeLabel(res.Report), "passed")
		default:
			s.logAdvisories(res.Report)
			s.countRule(ruleTypeLabel(res.Report), "failed")
		}
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeRepoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrRepoNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrSyncFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
