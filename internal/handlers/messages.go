package handlers

import (
	"net/http"
	"strconv"

	"github.com/Shaostoul/Humanity-sub000/internal/metrics"
	"github.com/Shaostoul/Humanity-sub000/internal/models"
)

const maxPageSize = 500

// MessagesResponse is a page of the durable log for polling clients.
type MessagesResponse struct {
	Channel  string                 `json:"channel"`
	Messages []models.StoredMessage `json:"messages"`
	Cursor   int64                  `json:"cursor"`
	Count    int64                  `json:"count"`
}

// Messages serves the durable log to polling clients that cannot hold a
// WebSocket open. Without a cursor it returns the recent window; with
// ?after=<cursor> it returns only rows past it, plus the new cursor.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = models.GeneralChannelID
	}

	limit := h.state.Config().HistorySize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			h.Error(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		after = n
	}

	resp := MessagesResponse{Channel: channel}

	if after > 0 {
		msgs, cursor, err := h.db.MessagesAfter(ctx, channel, after, limit)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("messages_after").Inc()
			h.logger.Error().Err(err).Msg("message page failed")
			h.Error(w, http.StatusInternalServerError, "store unavailable")
			return
		}
		resp.Messages = msgs
		resp.Cursor = cursor
	} else {
		msgs, err := h.db.RecentMessages(ctx, channel, limit)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("recent_messages").Inc()
			h.logger.Error().Err(err).Msg("recent messages failed")
			// Degrade to the in-memory window for the default channel.
			if channel == models.GeneralChannelID {
				h.JSON(w, http.StatusOK, historyFallback(channel, h.state.History()))
				return
			}
			h.Error(w, http.StatusInternalServerError, "store unavailable")
			return
		}
		resp.Messages = msgs
		if n := len(msgs); n > 0 {
			resp.Cursor = msgs[n-1].ID
		}
	}

	if count, err := h.db.CountMessages(ctx, channel); err == nil {
		resp.Count = count
	}

	if resp.Messages == nil {
		resp.Messages = []models.StoredMessage{}
	}
	h.JSON(w, http.StatusOK, resp)
}

func historyFallback(channel string, history []models.RoutedMessage) MessagesResponse {
	msgs := make([]models.StoredMessage, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, models.StoredMessage{
			Channel:   channel,
			Type:      m.Type,
			FromKey:   m.From,
			FromName:  m.FromName,
			Content:   m.Content,
			Timestamp: m.Timestamp,
			Signature: m.Signature,
		})
	}
	return MessagesResponse{Channel: channel, Messages: msgs}
}
