package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"coinbase-cycle-bot-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// APIHandler holds dependencies for the API endpoints. It reads the journal
// database only; the trader process is the sole writer.
type APIHandler struct {
	log *zap.Logger
	db  *gorm.DB
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, db *gorm.DB) *APIHandler {
	return &APIHandler{log: log, db: db}
}

// CycleSetsHandler returns every cycle set with its cycles, newest first.
func (h *APIHandler) CycleSetsHandler(w http.ResponseWriter, r *http.Request) {
	var sets []models.CycleSet
	if err := h.db.Preload("Cycles").Order("id desc").Find(&sets).Error; err != nil {
		h.log.Error("Failed to get cycle sets from database", zap.Error(err))
		http.Error(w, "Failed to get cycle sets", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sets)
}

// EventsHandler returns journal events in id order, optionally filtered by
// ?cycle_set_id= and capped by ?limit= (default 200).
func (h *APIHandler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	query := h.db.Order("id desc").Limit(limit)
	if raw := r.URL.Query().Get("cycle_set_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "Invalid cycle_set_id", http.StatusBadRequest)
			return
		}
		query = query.Where("cycle_set_id = ?", id)
	}

	var events []models.CycleEvent
	if err := query.Find(&events).Error; err != nil {
		h.log.Error("Failed to get events from database", zap.Error(err))
		http.Error(w, "Failed to get events", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

// OrdersHandler returns the locally recorded orders, newest first. Orders
// still marked OPEN after a failed set are the ones needing manual handling
// on the exchange.
func (h *APIHandler) OrdersHandler(w http.ResponseWriter, r *http.Request) {
	var orders []models.OrderRecord
	if err := h.db.Order("id desc").Find(&orders).Error; err != nil {
		h.log.Error("Failed to get orders from database", zap.Error(err))
		http.Error(w, "Failed to get orders", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(orders)
}
