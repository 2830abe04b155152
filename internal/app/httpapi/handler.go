// Package httpapi exposes the reward engine's REST surface: batch item
// submission, user stats, and the wallet endpoints.
package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	app "github.com/aria-network/reward-engine/internal/app"
	"github.com/aria-network/reward-engine/internal/app/domain/record"
	"github.com/aria-network/reward-engine/internal/app/domain/settlement"
	"github.com/aria-network/reward-engine/internal/app/metrics"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a mux exposing the core REST API. auth guards every
// route except /health and /metrics; limiter may be nil.
func NewHandler(application *app.Application, auth *TokenAuth, limiter *RateLimiter) http.Handler {
	h := &handler{app: application}

	mux := http.NewServeMux()
	mux.Handle("/data/submit", metrics.Instrument("/data/submit", http.HandlerFunc(h.submitData)))
	mux.Handle("/user/stats", metrics.Instrument("/user/stats", http.HandlerFunc(h.userStats)))
	mux.Handle("/user/batches", metrics.Instrument("/user/batches", http.HandlerFunc(h.userBatches)))
	mux.Handle("/user/wallet", metrics.Instrument("/user/wallet", http.HandlerFunc(h.userWallet)))
	mux.Handle("/wallet/register", metrics.Instrument("/wallet/register", http.HandlerFunc(h.registerWallet)))
	mux.Handle("/wallet/reward", metrics.Instrument("/wallet/reward", http.HandlerFunc(h.requestReward)))
	mux.Handle("/wallet/", metrics.Instrument("/wallet/{address}", http.HandlerFunc(h.walletInfo)))

	var guarded http.Handler = mux
	if limiter != nil {
		guarded = limiter.Handler(guarded)
	}
	if auth != nil {
		guarded = auth.Handler(guarded)
	}

	root := http.NewServeMux()
	root.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	root.Handle("/metrics", metrics.Handler())
	root.Handle("/", guarded)
	return root
}

func (h *handler) submitData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		Items []struct {
			ID        string    `json:"id"`
			Type      string    `json:"type"`
			Content   string    `json:"content"`
			Timestamp time.Time `json:"timestamp"`
		} `json:"items"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(payload.Items) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("no items submitted"))
		return
	}

	userID := UserID(r.Context())
	items := make([]record.Item, 0, len(payload.Items))
	for _, in := range payload.Items {
		items = append(items, record.Item{
			ID:          in.ID,
			UserID:      userID,
			Type:        in.Type,
			Content:     in.Content,
			CollectedAt: in.Timestamp,
		})
	}

	acks, err := h.app.Ledger.CreditBatch(r.Context(), userID, items)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"syncedData": acks})
}

func (h *handler) userStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := h.app.Ledger.Stats(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, http.StatusOK, stats)
}

func (h *handler) userBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	batches, err := h.app.Settlement.Batches(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"batches": batches})
}

func (h *handler) userWallet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	summary, err := h.app.Wallets.Reconcile(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeOK(w, http.StatusOK, summary)
}

func (h *handler) registerWallet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		WalletAddress string `json:"walletAddress"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	wlt, err := h.app.Wallets.Register(r.Context(), UserID(r.Context()), payload.WalletAddress)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeOK(w, http.StatusCreated, wlt)
}

func (h *handler) requestReward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		WalletAddress string `json:"walletAddress"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.WalletAddress == "" {
		writeError(w, http.StatusBadRequest, errors.New("walletAddress is required"))
		return
	}

	tx, err := h.app.Wallets.RequestReward(r.Context(), payload.WalletAddress)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, settlement.ErrNoCredits):
			status = http.StatusConflict
		case errors.Is(err, settlement.ErrClaimConflict):
			status = http.StatusConflict
		case errors.Is(err, sql.ErrNoRows):
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (h *handler) walletInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	address := strings.Trim(strings.TrimPrefix(r.URL.Path, "/wallet"), "/")
	if address == "" || strings.Contains(address, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	info, err := h.app.Wallets.Info(r.Context(), address)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeOK(w, http.StatusOK, info)
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeOK(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Message: err.Error()})
}
