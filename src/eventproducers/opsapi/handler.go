package opsapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
	"github.com/jiaming2012/risk-daemon/src/eventservices"
)

// The ops surface is read only: it reports what the daemon knows, it never
// mutates risk state. Operator actions go through riskctl.

var decoder = schema.NewDecoder()

type handler struct {
	state     *eventservices.StateManager
	metrics   *eventservices.MetricsRecorder
	db        *gorm.DB
	startedAt time.Time
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("opsapi.writeJSON: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	log.Errorf("opsapi: %v", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Truncate(time.Second).String(),
	})
}

func (h *handler) handleAccounts(w http.ResponseWriter, r *http.Request) {
	accountIDs := h.state.AccountIDs()

	states := make([]eventmodels.AccountState, 0, len(accountIDs))
	for _, id := range accountIDs {
		states = append(states, h.state.GetAccountState(id))
	}

	writeJSON(w, http.StatusOK, states)
}

func (h *handler) handlePositions(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["accountID"]

	writeJSON(w, http.StatusOK, h.state.GetPositions(accountID))
}

type metricsSummaryRequest struct {
	Since eventmodels.Duration `schema:"since"`
}

func (h *handler) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	req := metricsSummaryRequest{Since: eventmodels.Duration(24 * time.Hour)}

	if err := decoder.Decode(&req, r.URL.Query()); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("handleMetricsSummary: failed to decode query: %w", err))
		return
	}

	summaries, err := h.metrics.Summaries(time.Now().UTC().Add(-req.Since.ToDuration()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, summaries)
}

type enforcementsRequest struct {
	AccountID string `schema:"account"`
	Limit     int    `schema:"limit"`
}

func (h *handler) handleEnforcements(w http.ResponseWriter, r *http.Request) {
	req := enforcementsRequest{Limit: 100}

	if err := decoder.Decode(&req, r.URL.Query()); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("handleEnforcements: failed to decode query: %w", err))
		return
	}

	query := h.db.Order("dispatched_at desc").Limit(req.Limit)
	if req.AccountID != "" {
		query = query.Where("account_id = ?", req.AccountID)
	}

	var actions []eventmodels.EnforcementAction
	if err := query.Find(&actions).Error; err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("handleEnforcements: failed to load enforcement history: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, actions)
}

// convertDuration lets schema decode "?since=2h" style query params.
func convertDuration(value string) reflect.Value {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return reflect.Value{}
	}

	return reflect.ValueOf(eventmodels.Duration(parsed))
}

func SetupHandler(router *mux.Router, state *eventservices.StateManager, metrics *eventservices.MetricsRecorder, db *gorm.DB) {
	decoder.IgnoreUnknownKeys(true)
	decoder.RegisterConverter(eventmodels.Duration(0), convertDuration)

	h := &handler{
		state:     state,
		metrics:   metrics,
		db:        db,
		startedAt: time.Now().UTC(),
	}

	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/accounts", h.handleAccounts).Methods(http.MethodGet)
	router.HandleFunc("/accounts/{accountID}/positions", h.handlePositions).Methods(http.MethodGet)
	router.HandleFunc("/metrics/summary", h.handleMetricsSummary).Methods(http.MethodGet)
	router.HandleFunc("/enforcements", h.handleEnforcements).Methods(http.MethodGet)
}
