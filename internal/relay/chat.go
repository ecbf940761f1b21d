package relay

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Shaostoul/Humanity-sub000/internal/metrics"
	"github.com/Shaostoul/Humanity-sub000/internal/models"
)

// nameRegex blocks homoglyph impersonation: plain ASCII only.
var nameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,24}$`)

// validName reports whether a display or channel name is acceptable.
func validName(name string) bool {
	return nameRegex.MatchString(name)
}

const (
	quotePrefix = "> "
	uploadsPath = "/uploads"
)

// isCommand reports whether chat content should be dispatched as a
// slash command. Path-like strings (anything with a dot, or the uploads
// path) are ordinary chat.
func isCommand(content string) bool {
	t := strings.TrimSpace(content)
	if !strings.HasPrefix(t, "/") {
		return false
	}
	if strings.Contains(t, ".") || t == uploadsPath {
		return false
	}
	return true
}

// messageWeight sums (line length + 1) over lines that are not quoted.
// Quoted lines are free so replies can carry context.
func messageWeight(content string) int {
	weight := 0
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, quotePrefix) {
			continue
		}
		weight += utf8.RuneCountInString(line) + 1
	}
	return weight
}

// handleChat runs the chat pipeline for non-command content: mute and
// length policy, optional flood limiter, then persist + publish and the
// best-effort notifier.
func (s *Session) handleChat(ctx context.Context, msg models.RoutedMessage) {
	content := msg.Content
	if strings.TrimSpace(content) == "" {
		return
	}

	if isCommand(content) {
		s.dispatchCommand(ctx, content)
		return
	}

	rec, err := s.state.store.GetRole(ctx, s.key)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get_role").Inc()
		s.logger.Error().Err(err).Msg("role lookup failed, treating sender as user")
	}
	if rec.Role == models.RoleMuted {
		s.sendPrivate("you are muted")
		return
	}

	// Rejects only strictly above cap+1; the advertised cap has carried
	// this off-by-one since the first release and clients depend on it.
	max := s.state.cfg.MaxMessageChars
	if messageWeight(content) > max+1 {
		s.sendPrivate(fmt.Sprintf("message too long (max %d characters)", max))
		return
	}

	if s.state.limiter != nil && !s.state.limiter.AllowChat(ctx, s.key) {
		s.sendPrivate("slow down")
		return
	}

	out := models.RoutedMessage{
		Type:      models.TypeChat,
		From:      s.key,
		FromName:  s.name,
		Channel:   msg.Channel,
		Content:   content,
		Signature: msg.Signature,
	}
	if out.Channel == "" {
		out.Channel = models.GeneralChannelID
	}
	s.state.PublishDurable(ctx, out)

	if !models.IsBotKey(s.key) {
		from := s.name
		if from == "" {
			from = s.key
		}
		s.state.notifyAsync(from, content)
	}
}
