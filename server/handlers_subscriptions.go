package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/stream-alerts/alerts"
	"github.com/onnwee/stream-alerts/store"
)

// subscriptionJSON is the API representation of a subscription.
type subscriptionJSON struct {
	ID          int64     `json:"id"`
	GuildID     string    `json:"guild_id"`
	ChannelID   string    `json:"channel_id"`
	StreamerID  string    `json:"streamer_id"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	Paused      bool      `json:"paused"`
	EndDelete   bool      `json:"end_delete"`
	LiveMessage *string   `json:"live_message"`
	EndMessage  *string   `json:"end_message"`
	ErrorCount  int       `json:"error_count"`
}

func toSubscriptionJSON(s *store.Subscription) subscriptionJSON {
	return subscriptionJSON{
		ID:          s.ID,
		GuildID:     s.GuildID,
		ChannelID:   s.ChannelID,
		StreamerID:  s.StreamerID,
		CreatedBy:   s.CreatedBy,
		CreatedAt:   s.CreatedAt,
		Paused:      s.Paused,
		EndDelete:   s.EndDelete,
		LiveMessage: s.LiveMessage,
		EndMessage:  s.EndMessage,
		ErrorCount:  s.ErrorCount,
	}
}

// HandleSubscriptions serves GET (list) and POST (create) on /subscriptions.
func (h *Handlers) HandleSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		subs, err := h.deps.Service.ListSubscriptions(r.Context(), r.URL.Query().Get("guild_id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]subscriptionJSON, 0, len(subs))
		for _, s := range subs {
			out = append(out, toSubscriptionJSON(s))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var req struct {
			GuildID     string  `json:"guild_id"`
			ChannelID   string  `json:"channel_id"`
			Login       string  `json:"login"`
			CreatedBy   string  `json:"created_by"`
			LiveMessage *string `json:"live_message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.GuildID == "" || req.ChannelID == "" || req.Login == "" {
			writeError(w, http.StatusBadRequest, "guild_id, channel_id and login are required")
			return
		}
		if req.LiveMessage != nil {
			v := alerts.SettingValue{Kind: alerts.SettingLiveMessage, Text: req.LiveMessage}
			if err := v.Validate(); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		sub, err := h.deps.Service.CreateSubscription(r.Context(), req.GuildID, req.ChannelID, strings.ToLower(req.Login), req.CreatedBy, req.LiveMessage)
		if err != nil {
			switch {
			case errors.Is(err, alerts.ErrStreamerNotFound):
				writeError(w, http.StatusNotFound, "streamer not found")
			case errors.Is(err, alerts.ErrAlreadySubscribed):
				writeError(w, http.StatusConflict, "channel already subscribed to this streamer")
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		writeJSON(w, http.StatusCreated, toSubscriptionJSON(sub))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleSubscriptionByID dispatches /subscriptions/{id} and its subroutes:
// pause, unpause, and settings.
func (h *Handlers) HandleSubscriptionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/subscriptions/")
	parts := strings.SplitN(rest, "/", 2)
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription id")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		sub, err := h.deps.Service.GetSubscription(r.Context(), id)
		if err != nil {
			h.writeSubscriptionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSubscriptionJSON(sub))
	case action == "" && r.Method == http.MethodDelete:
		if err := h.deps.Service.RemoveSubscription(r.Context(), id); err != nil {
			h.writeSubscriptionError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "pause" && r.Method == http.MethodPost:
		h.setPaused(w, r, id, true)
	case action == "unpause" && r.Method == http.MethodPost:
		h.setPaused(w, r, id, false)
	case action == "settings" && r.Method == http.MethodPatch:
		h.updateSettings(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handlers) setPaused(w http.ResponseWriter, r *http.Request, id int64, paused bool) {
	if err := h.deps.Service.SetPaused(r.Context(), id, paused); err != nil {
		h.writeSubscriptionError(w, err)
		return
	}
	sub, err := h.deps.Service.GetSubscription(r.Context(), id)
	if err != nil {
		h.writeSubscriptionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionJSON(sub))
}

// settingsPatch carries partial setting updates; only present fields are applied.
type settingsPatch struct {
	Paused      *bool           `json:"paused"`
	EndDelete   *bool           `json:"end_delete"`
	LiveMessage json.RawMessage `json:"live_message"`
	EndMessage  json.RawMessage `json:"end_message"`
	ChannelID   *string         `json:"channel_id"`
}

func (h *Handlers) updateSettings(w http.ResponseWriter, r *http.Request, id int64) {
	var patch settingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var updates []alerts.SettingValue
	if patch.Paused != nil {
		updates = append(updates, alerts.SettingValue{Kind: alerts.SettingPaused, Bool: *patch.Paused})
	}
	if patch.EndDelete != nil {
		updates = append(updates, alerts.SettingValue{Kind: alerts.SettingEndDelete, Bool: *patch.EndDelete})
	}
	if len(patch.LiveMessage) > 0 {
		text, err := decodeTemplateField(patch.LiveMessage)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		updates = append(updates, alerts.SettingValue{Kind: alerts.SettingLiveMessage, Text: text})
	}
	if len(patch.EndMessage) > 0 {
		text, err := decodeTemplateField(patch.EndMessage)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		updates = append(updates, alerts.SettingValue{Kind: alerts.SettingEndMessage, Text: text})
	}
	if patch.ChannelID != nil {
		updates = append(updates, alerts.SettingValue{Kind: alerts.SettingChannel, Text: patch.ChannelID})
	}
	if len(updates) == 0 {
		writeError(w, http.StatusBadRequest, "no settings in request")
		return
	}

	for _, v := range updates {
		if err := h.deps.Service.UpdateSetting(r.Context(), id, v); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				h.writeSubscriptionError(w, err)
			} else {
				writeError(w, http.StatusBadRequest, err.Error())
			}
			return
		}
	}
	sub, err := h.deps.Service.GetSubscription(r.Context(), id)
	if err != nil {
		h.writeSubscriptionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionJSON(sub))
}

// decodeTemplateField accepts either a JSON string (the new template) or
// JSON null (clear back to default).
func decodeTemplateField(raw json.RawMessage) (*string, error) {
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errors.New("message template must be a string or null")
	}
	return s, nil
}

func (h *Handlers) writeSubscriptionError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
