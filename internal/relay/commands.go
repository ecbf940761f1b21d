package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/Shaostoul/Humanity-sub000/internal/metrics"
	"github.com/Shaostoul/Humanity-sub000/internal/models"
)

const minRevokePrefix = 6

// dispatchCommand routes a slash command. Commands never enter chat
// history or the bus as Chat; results go back to the caller as Private.
func (s *Session) dispatchCommand(ctx context.Context, content string) {
	fields := strings.Fields(strings.TrimSpace(content))
	cmd := fields[0]
	args := fields[1:]
	metrics.CommandsRun.WithLabelValues(cmd).Inc()

	switch cmd {
	case "/help":
		s.cmdHelp(ctx)
	case "/link":
		s.cmdLink(ctx)
	case "/revoke":
		s.cmdRevoke(ctx, args)
	case "/name-release":
		s.cmdNameRelease(ctx, args)
	case "/channel-create":
		s.cmdChannelCreate(ctx, args)
	case "/channel-delete":
		s.cmdChannelDelete(ctx, args)
	case "/kick", "/ban", "/unban", "/mod", "/unmod", "/mute", "/unmute":
		s.cmdModeration(ctx, cmd, args)
	default:
		s.sendPrivate("unknown command: " + cmd)
	}
}

// roleRecord looks up the caller's role, defaulting to user on store
// failure so a degraded store never grants privileges.
func (s *Session) roleRecord(ctx context.Context) models.RoleRecord {
	rec, err := s.state.store.GetRole(ctx, s.key)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get_role").Inc()
		s.logger.Error().Err(err).Msg("role lookup failed")
		return models.RoleRecord{PublicKey: s.key, Role: models.RoleUser}
	}
	return rec
}

func (s *Session) cmdHelp(ctx context.Context) {
	rec := s.roleRecord(ctx)

	lines := []string{
		"commands:",
		"/help - this text",
		"/link - get a code to link another device to your name",
		"/revoke <key-prefix> - unlink a device from your name",
	}
	if rec.Role.CanModerate() {
		lines = append(lines,
			"/kick /ban /unban /mute /unmute /mod /unmod <name> - moderation",
		)
	}
	if rec.Role == models.RoleAdmin {
		lines = append(lines,
			"/name-release <name> - free a registered name",
			"/channel-create <name> [description] - add a channel",
			"/channel-delete <name> - remove a channel",
		)
	}
	s.sendPrivate(strings.Join(lines, "\n"))
}

func (s *Session) cmdLink(ctx context.Context) {
	if s.name == "" {
		s.sendPrivate("register a display name before linking devices")
		return
	}
	code, err := s.state.registry.CreateLinkCode(ctx, s.name, s.key)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("link_code").Inc()
		s.logger.Error().Err(err).Msg("link code creation failed")
		s.sendPrivate("could not create a link code, try again")
		return
	}
	s.sendPrivate(fmt.Sprintf("link code: %s (valid for %s, single use)", code, s.state.cfg.LinkCodeTTL))
}

func (s *Session) cmdRevoke(ctx context.Context, args []string) {
	if s.name == "" {
		s.sendPrivate("you have no registered name")
		return
	}
	if len(args) != 1 {
		s.sendPrivate("usage: /revoke <key-prefix>")
		return
	}
	prefix := args[0]
	if len(prefix) < minRevokePrefix {
		s.sendPrivate(fmt.Sprintf("prefix must be at least %d characters", minRevokePrefix))
		return
	}
	if strings.HasPrefix(s.key, prefix) {
		s.sendPrivate("cannot revoke the key you are connected with")
		return
	}
	n, err := s.state.registry.RevokeDevice(ctx, s.name, prefix)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("revoke").Inc()
		s.logger.Error().Err(err).Msg("device revocation failed")
		s.sendPrivate("revoke failed, try again")
		return
	}
	s.sendPrivate(fmt.Sprintf("revoked %d device(s)", n))
}

func (s *Session) cmdNameRelease(ctx context.Context, args []string) {
	if s.roleRecord(ctx).Role != models.RoleAdmin {
		s.sendPrivate("admin only")
		return
	}
	if len(args) != 1 {
		s.sendPrivate("usage: /name-release <name>")
		return
	}
	n, err := s.state.registry.Release(ctx, args[0])
	if err != nil {
		metrics.StoreErrors.WithLabelValues("release").Inc()
		s.logger.Error().Err(err).Msg("name release failed")
		s.sendPrivate("release failed, try again")
		return
	}
	s.sendPrivate(fmt.Sprintf("released %q (%d binding(s) removed)", args[0], n))
}

func (s *Session) cmdChannelCreate(ctx context.Context, args []string) {
	if s.roleRecord(ctx).Role != models.RoleAdmin {
		s.sendPrivate("admin only")
		return
	}
	if len(args) < 1 {
		s.sendPrivate("usage: /channel-create <name> [description]")
		return
	}
	name := args[0]
	if !validName(name) {
		s.sendPrivate("channel names are 1-24 characters: letters, digits, _ and - only")
		return
	}
	existing, err := s.state.store.ChannelByName(ctx, name)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("channel_lookup").Inc()
		s.logger.Error().Err(err).Msg("channel lookup failed")
		s.sendPrivate("channel create failed, try again")
		return
	}
	if existing != nil {
		s.sendPrivate("channel " + name + " already exists")
		return
	}
	description := strings.Join(args[1:], " ")
	if _, err := s.state.store.CreateChannel(ctx, name, description); err != nil {
		metrics.StoreErrors.WithLabelValues("channel_create").Inc()
		s.logger.Error().Err(err).Msg("channel create failed")
		s.sendPrivate("channel create failed, try again")
		return
	}
	s.state.Publish(s.state.channelListMessage(ctx))
	s.state.BroadcastSystem(ctx, "channel "+name+" created")
}

func (s *Session) cmdChannelDelete(ctx context.Context, args []string) {
	if s.roleRecord(ctx).Role != models.RoleAdmin {
		s.sendPrivate("admin only")
		return
	}
	if len(args) != 1 {
		s.sendPrivate("usage: /channel-delete <name>")
		return
	}
	name := args[0]
	if strings.EqualFold(name, models.GeneralChannelName) {
		s.sendPrivate("the general channel cannot be deleted")
		return
	}
	deleted, err := s.state.store.DeleteChannel(ctx, name)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("channel_delete").Inc()
		s.logger.Error().Err(err).Msg("channel delete failed")
		s.sendPrivate("channel delete failed, try again")
		return
	}
	if !deleted {
		s.sendPrivate("no such channel: " + name)
		return
	}
	s.state.Publish(s.state.channelListMessage(ctx))
	s.state.BroadcastSystem(ctx, "channel "+name+" deleted")
}

// cmdModeration applies a per-key role or ban mutation to every key
// bound to the target name. kick and ban additionally evict live
// sessions and announce.
func (s *Session) cmdModeration(ctx context.Context, cmd string, args []string) {
	if !s.roleRecord(ctx).Role.CanModerate() {
		s.sendPrivate("moderator only")
		return
	}
	if len(args) != 1 {
		s.sendPrivate("usage: " + cmd + " <name>")
		return
	}
	name := args[0]

	keys, err := s.state.store.KeysForName(ctx, name)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("keys_for_name").Inc()
		s.logger.Error().Err(err).Msg("name lookup failed")
		s.sendPrivate("lookup failed, try again")
		return
	}
	if len(keys) == 0 {
		s.sendPrivate("no keys registered for " + name)
		return
	}

	apply := func(f func(key string) error, op string) bool {
		for _, key := range keys {
			if err := f(key); err != nil {
				metrics.StoreErrors.WithLabelValues(op).Inc()
				s.logger.Error().Err(err).Str("key", key).Msg(op + " failed")
				s.sendPrivate(cmd + " failed, try again")
				return false
			}
		}
		return true
	}

	switch cmd {
	case "/kick":
		n := s.state.EvictKeys(keys)
		s.state.BroadcastSystem(ctx, name+" was kicked")
		s.sendPrivate(fmt.Sprintf("kicked %s (%d session(s))", name, n))

	case "/ban":
		if !apply(func(k string) error { return s.state.store.SetBanned(ctx, k, true) }, "ban") {
			return
		}
		n := s.state.EvictKeys(keys)
		s.state.BroadcastSystem(ctx, name+" was banned")
		s.sendPrivate(fmt.Sprintf("banned %s (%d key(s), %d session(s) evicted)", name, len(keys), n))

	case "/unban":
		if !apply(func(k string) error { return s.state.store.SetBanned(ctx, k, false) }, "unban") {
			return
		}
		s.sendPrivate("unbanned " + name)

	case "/mute":
		if !apply(func(k string) error { return s.state.store.SetRole(ctx, k, models.RoleMuted) }, "mute") {
			return
		}
		s.sendPrivate("muted " + name)

	case "/unmute":
		if !apply(func(k string) error { return s.state.store.SetRole(ctx, k, models.RoleUser) }, "unmute") {
			return
		}
		s.sendPrivate("unmuted " + name)

	case "/mod":
		if !apply(func(k string) error { return s.state.store.SetRole(ctx, k, models.RoleMod) }, "mod") {
			return
		}
		s.sendPrivate(name + " is now a moderator")

	case "/unmod":
		if !apply(func(k string) error { return s.state.store.SetRole(ctx, k, models.RoleUser) }, "unmod") {
			return
		}
		s.sendPrivate(name + " is no longer a moderator")
	}
}
