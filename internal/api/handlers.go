package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/led0r/poly-copy/internal/store"
	"github.com/led0r/poly-copy/internal/strategy"
	"github.com/led0r/poly-copy/pkg/types"
)

// Handlers implements the CRUD surface.
type Handlers struct {
	deps   Deps
	hub    *Hub
	logger *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(deps Deps, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{deps: deps, hub: hub, logger: logger.With("component", "api_handlers")}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrUserActive):
		return http.StatusConflict
	case errors.Is(err, strategy.ErrAlreadyRunning), errors.Is(err, strategy.ErrNotRunning):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func pathID(r *http.Request) (uint, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, errors.New("invalid id")
	}
	return uint(id), nil
}

// HandleHealth reports process liveness plus feed state.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"feed_connected": h.deps.Feed.Connected(),
	})
}

// ————————————————————————————————————————————————————————————————————————
// Credentials
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleGetCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.deps.Store.GetCredentials()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, creds.ToMasked())
}

func (h *Handlers) HandleUpdateCredentials(w http.ResponseWriter, r *http.Request) {
	var body store.Credential
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	saved, err := h.deps.Store.UpdateCredentials(body)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, saved.ToMasked())
}

// ————————————————————————————————————————————————————————————————————————
// Tracked users
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleListTrackedUsers(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("archived") != "true"
	users, err := h.deps.Store.ListTrackedUsers(false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if activeOnly {
		filtered := users[:0]
		for _, u := range users {
			if u.Active {
				filtered = append(filtered, u)
			}
		}
		users = filtered
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handlers) HandleTrackUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address string `json:"address"`
		Label   string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	u, err := h.deps.Watcher.Track(body.Address, body.Label)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *Handlers) HandleUntrackUser(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Watcher.Untrack(mux.Vars(r)["address"]); err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleRestoreUser(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Watcher.Restore(mux.Vars(r)["address"]); err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Watcher.Delete(mux.Vars(r)["address"]); err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ————————————————————————————————————————————————————————————————————————
// Copy-trading settings & trades
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.deps.Store.GetCopySettings()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handlers) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body store.CopySettings
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	saved, err := h.deps.Store.UpdateCopySettings(body)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handlers) HandleListCopyTrades(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	rows, err := h.deps.Store.ListCopyTrades(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// HandleManualCopy copies a specific observed trade regardless of the enabled
// flag. The duplicate gate still applies.
func (h *Handlers) HandleManualCopy(w http.ResponseWriter, r *http.Request) {
	var trade types.WatchedTrade
	if err := json.NewDecoder(r.Body).Decode(&trade); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ct, err := h.deps.Executor.HandleTrade(r.Context(), trade, true)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	if ct == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
		return
	}
	writeJSON(w, http.StatusCreated, ct)
}

func (h *Handlers) HandleRetryCopyTrade(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ct, err := h.deps.Executor.Retry(r.Context(), id)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ct)
}

func (h *Handlers) HandleDeleteCopyTrade(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.deps.Executor.Delete(id); err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ————————————————————————————————————————————————————————————————————————
// Strategies
// ————————————————————————————————————————————————————————————————————————

// strategyView augments the persisted row with registry liveness: the
// displayed status comes from the registry, not the stored intent.
type strategyView struct {
	store.Strategy
	Live            bool   `json:"live"`
	DisplayedStatus string `json:"displayed_status"`
}

func (h *Handlers) view(st store.Strategy) strategyView {
	live := h.deps.Engine.IsRunning(st.ID)
	displayed := st.Status
	if live {
		if st.Status != store.StrategyPaused {
			displayed = store.StrategyRunning
		}
	} else if st.Status == store.StrategyRunning || st.Status == store.StrategyPaused {
		displayed = store.StrategyStopped
	}
	return strategyView{Strategy: st, Live: live, DisplayedStatus: displayed}
}

func (h *Handlers) HandleListStrategies(w http.ResponseWriter, r *http.Request) {
	rows, err := h.deps.Store.ListStrategies()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]strategyView, len(rows))
	for i, st := range rows {
		views[i] = h.view(st)
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handlers) HandleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var body store.Strategy
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := strategy.NewModule(body.Type, body.Config); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body.ID = 0
	body.Status = store.StrategyStopped
	if err := h.deps.Store.CreateStrategy(&body); err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(body))
}

func (h *Handlers) HandleGetStrategy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := h.deps.Store.GetStrategy(id)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(st))
}

func (h *Handlers) HandleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	existing, err := h.deps.Store.GetStrategy(id)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}

	var body store.Strategy
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Name != "" {
		existing.Name = body.Name
	}
	if body.Config != "" {
		if _, err := strategy.NewModule(existing.Type, body.Config); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		existing.Config = body.Config
	}
	existing.PaperMode = body.PaperMode

	if err := h.deps.Store.UpdateStrategy(existing); err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(existing))
}

func (h *Handlers) HandleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if h.deps.Engine.IsRunning(id) {
		if err := h.deps.Engine.StopStrategy(id); err != nil {
			writeError(w, errStatus(err), err)
			return
		}
	}
	if err := h.deps.Store.DeleteStrategy(id); err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) strategyAction(w http.ResponseWriter, r *http.Request, fn func(uint) error) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := fn(id); err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	st, err := h.deps.Store.GetStrategy(id)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(st))
}

func (h *Handlers) HandleStartStrategy(w http.ResponseWriter, r *http.Request) {
	h.strategyAction(w, r, h.deps.Engine.StartStrategy)
}

func (h *Handlers) HandleStopStrategy(w http.ResponseWriter, r *http.Request) {
	h.strategyAction(w, r, func(id uint) error {
		if err := h.deps.Engine.StopStrategy(id); err != nil {
			return err
		}
		return nil
	})
}

func (h *Handlers) HandlePauseStrategy(w http.ResponseWriter, r *http.Request) {
	h.strategyAction(w, r, h.deps.Engine.PauseStrategy)
}

func (h *Handlers) HandleResumeStrategy(w http.ResponseWriter, r *http.Request) {
	h.strategyAction(w, r, h.deps.Engine.ResumeStrategy)
}

func (h *Handlers) HandleStrategyEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rows, err := h.deps.Store.ListStrategyEvents(id, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handlers) HandleStrategyPositions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rows, err := h.deps.Store.ListPositions(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handlers) HandleStrategyTokens(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"strategy_id": id,
		"tokens":      h.deps.Engine.DiscoveredTokens(id),
	})
}

// ————————————————————————————————————————————————————————————————————————
// Trades, markets, feed
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleListTrades(w http.ResponseWriter, r *http.Request) {
	rows, err := h.deps.Store.ListTrades(queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handlers) HandleSearchMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing query parameter q"))
		return
	}
	events, err := h.deps.Fetcher.SearchEvents(r.Context(), q, queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handlers) HandleFeedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":          h.deps.Feed.Connected(),
		"subscribed_markets": h.deps.Feed.SubscribedMarkets(),
		"subscription_stats": h.deps.Feed.Stats(),
	})
}

// HandleWebSocket attaches a UI client to the hub.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWS(w, r)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
