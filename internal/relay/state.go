package relay

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/Shaostoul/Humanity-sub000/internal/config"
	"github.com/Shaostoul/Humanity-sub000/internal/identity"
	"github.com/Shaostoul/Humanity-sub000/internal/metrics"
	"github.com/Shaostoul/Humanity-sub000/internal/models"
	"github.com/Shaostoul/Humanity-sub000/internal/store"
)

// State is the process-wide aggregate shared by every session: the peer
// table, the broadcast bus, the bounded in-memory history, and the
// store handles. A single State is created at boot and passed by
// reference into each session.
type State struct {
	cfg      *config.Config
	logger   zerolog.Logger
	bus      *Bus
	store    store.Store
	limiter  *store.RedisStore // nil when flood limiting is off
	registry *identity.Registry
	notifier Notifier

	mu    sync.RWMutex
	peers map[string]*Session // keyed by public key, one entry per key

	histMu  sync.RWMutex
	history []models.RoutedMessage // suffix of the durable general log
}

// NewState builds the shared relay state. limiter and notifier may be
// nil.
func NewState(cfg *config.Config, logger zerolog.Logger, st store.Store, limiter *store.RedisStore, notifier Notifier) *State {
	return &State{
		cfg:      cfg,
		logger:   logger,
		bus:      NewBus(cfg.BusCapacity),
		store:    st,
		limiter:  limiter,
		registry: identity.NewRegistry(st, logger, cfg.LinkCodeTTL),
		notifier: notifier,
		peers:    make(map[string]*Session),
	}
}

// Bus returns the broadcast bus, for external publishers (HTTP bot API,
// webhook announcer) that feed the same fan-out as sessions.
func (st *State) Bus() *Bus { return st.bus }

// Store returns the persistence handle.
func (st *State) Store() store.Store { return st.store }

// Config returns the relay configuration.
func (st *State) Config() *config.Config { return st.cfg }

// Registry returns the identity registry.
func (st *State) Registry() *identity.Registry { return st.registry }

// addPeer inserts a session into the peer table. A key maps to at most
// one entry; a second session with the same key replaces the first.
func (st *State) addPeer(s *Session) {
	st.mu.Lock()
	st.peers[s.key] = s
	st.mu.Unlock()
}

// removePeer deletes the table entry, but only if it still belongs to
// this session: a replaced session must not evict its successor.
func (st *State) removePeer(s *Session) {
	st.mu.Lock()
	if cur, ok := st.peers[s.key]; ok && cur == s {
		delete(st.peers, s.key)
	}
	st.mu.Unlock()
}

// Peers snapshots the current peer list.
func (st *State) Peers() []models.Peer {
	st.mu.RLock()
	defer st.mu.RUnlock()
	peers := make([]models.Peer, 0, len(st.peers))
	for _, s := range st.peers {
		peers = append(peers, models.Peer{PublicKey: s.key, DisplayName: s.name})
	}
	return peers
}

// EvictKeys closes and removes every live session whose key is in keys.
// Returns how many sessions were evicted.
func (st *State) EvictKeys(keys []string) int {
	var victims []*Session
	st.mu.Lock()
	for _, key := range keys {
		if s, ok := st.peers[key]; ok {
			victims = append(victims, s)
			delete(st.peers, key)
		}
	}
	st.mu.Unlock()

	// Close outside the lock; Close unblocks both pumps.
	for _, s := range victims {
		s.Close()
	}
	return len(victims)
}

// appendHistory records a durable message in the bounded in-memory
// window for the default channel view.
func (st *State) appendHistory(msg models.RoutedMessage) {
	st.histMu.Lock()
	st.history = append(st.history, msg)
	if n := len(st.history) - st.cfg.HistorySize; n > 0 {
		st.history = st.history[n:]
	}
	st.histMu.Unlock()
}

// removeFromHistory drops buffered entries matching a deleted row, so
// the window stays a suffix of the persisted log.
func (st *State) removeFromHistory(key string, timestamp int64) {
	st.histMu.Lock()
	kept := st.history[:0]
	for _, m := range st.history {
		if m.From == key && m.Timestamp == timestamp {
			continue
		}
		kept = append(kept, m)
	}
	st.history = kept
	st.histMu.Unlock()
}

// History snapshots the in-memory history buffer, oldest first. Used as
// the fallback when the store is unavailable.
func (st *State) History() []models.RoutedMessage {
	st.histMu.RLock()
	defer st.histMu.RUnlock()
	out := make([]models.RoutedMessage, len(st.history))
	copy(out, st.history)
	return out
}

// Publish stamps the message with a wire id and timestamp if missing
// and fans it out. Transient variants take this path.
func (st *State) Publish(msg models.RoutedMessage) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	st.bus.Publish(msg)
}

// PublishDurable persists the message, records it in history, and fans
// it out. Persistence is best-effort relative to delivery: a store
// failure is logged and the broadcast proceeds regardless, so the two
// can observably diverge on failure.
func (st *State) PublishDurable(ctx context.Context, msg models.RoutedMessage) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	if msg.Type.Durable() {
		channel := msg.Channel
		if channel == "" {
			channel = models.GeneralChannelID
		}
		row := &models.StoredMessage{
			Channel:   channel,
			Type:      msg.Type,
			FromKey:   msg.From,
			FromName:  msg.FromName,
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
			Signature: msg.Signature,
		}
		start := time.Now()
		if _, err := st.store.AppendMessage(ctx, row); err != nil {
			metrics.StoreErrors.WithLabelValues("append").Inc()
			st.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("message append failed")
		}
		metrics.StoreAppendLatency.Observe(time.Since(start).Seconds())

		if channel == models.GeneralChannelID {
			st.appendHistory(msg)
		}
	}

	st.bus.Publish(msg)
}

// BroadcastSystem publishes a durable system announcement.
func (st *State) BroadcastSystem(ctx context.Context, content string) {
	st.PublishDurable(ctx, models.RoutedMessage{
		Type:    models.TypeSystem,
		Content: content,
	})
}

// channelListMessage builds a ChannelList snapshot for broadcast or
// direct delivery.
func (st *State) channelListMessage(ctx context.Context) models.RoutedMessage {
	channels, err := st.store.ListChannels(ctx)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list_channels").Inc()
		st.logger.Error().Err(err).Msg("channel list failed")
		channels = []models.Channel{{
			ID:   models.GeneralChannelID,
			Name: models.GeneralChannelName,
		}}
	}
	return models.RoutedMessage{Type: models.TypeChannelList, Channels: channels}
}

// peerListMessage builds a PeerList snapshot.
func (st *State) peerListMessage() models.RoutedMessage {
	return models.RoutedMessage{Type: models.TypePeerList, Peers: st.Peers()}
}
