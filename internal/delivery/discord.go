package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"sportsedge/internal/config"
	"sportsedge/internal/errs"
)

// discordMaxMessage is the message content limit of the Discord API, in characters.
const discordMaxMessage = 2000

// DiscordSink maps destinations to text channels of one guild, optionally under a
// category. Rate limits are surfaced to the scheduler instead of being slept on
// inside discordgo.
type DiscordSink struct {
	Session     *discordgo.Session
	GuildID     string
	CategoryID  string
	HistoryScan int
	Logger      *zap.Logger
}

func NewDiscordSink(cfg config.DeliveryConfig, logger *zap.Logger) (*DiscordSink, error) {
	token := strings.TrimSpace(cfg.Discord.Token)
	if token == "" || strings.TrimSpace(cfg.Discord.GuildID) == "" {
		return nil, errs.Newf(errs.KindFatalConfig, "delivery.discord", "token and guild_id are required")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, errs.New(errs.KindFatalConfig, "delivery.discord", err)
	}
	s.ShouldRetryOnRateLimit = false
	return &DiscordSink{
		Session:     s,
		GuildID:     cfg.Discord.GuildID,
		CategoryID:  cfg.Discord.CategoryID,
		HistoryScan: cfg.HistoryScan,
		Logger:      logger,
	}, nil
}

func (d *DiscordSink) Name() string { return "discord" }

func (d *DiscordSink) EnsureDestination(ctx context.Context, key string) (string, error) {
	name := Slug(key)
	channels, err := d.Session.GuildChannels(d.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", classifyDiscord("delivery.discord.channels", err)
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText && ch.Name == name {
			return ch.ID, nil
		}
	}
	ch, err := d.Session.GuildChannelCreateComplex(d.GuildID, discordgo.GuildChannelCreateData{
		Name:     name,
		Type:     discordgo.ChannelTypeGuildText,
		ParentID: d.CategoryID,
		Topic:    "daily picks " + key,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", classifyDiscord("delivery.discord.create_channel", err)
	}
	if d.Logger != nil {
		d.Logger.Info("discord channel created", zap.String("name", name), zap.String("channel_id", ch.ID))
	}
	return ch.ID, nil
}

func (d *DiscordSink) Post(ctx context.Context, destinationID, taskID, content string) error {
	limit := d.HistoryScan
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	recent, err := d.Session.ChannelMessages(destinationID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return classifyDiscord("delivery.discord.history", err)
	}
	for _, m := range recent {
		if m != nil && hasRef(m.Content, taskID) {
			return nil
		}
	}
	if _, err := d.Session.ChannelMessageSend(destinationID, withRefLimit(content, taskID, discordMaxMessage), discordgo.WithContext(ctx)); err != nil {
		return classifyDiscord("delivery.discord.send", err)
	}
	return nil
}

func classifyDiscord(op string, err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		if rl.RateLimit != nil && rl.TooManyRequests != nil {
			return errs.RateLimited(op, rl.TooManyRequests.RetryAfter, err)
		}
		return errs.RateLimited(op, 0, err)
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		if rest.Message != nil {
			switch rest.Message.Code {
			case discordgo.ErrCodeMissingPermissions, discordgo.ErrCodeMissingAccess:
				return errs.New(errs.KindDeliveryPermissionDenied, op, err)
			}
		}
		if rest.Response != nil {
			switch {
			case rest.Response.StatusCode == http.StatusTooManyRequests:
				return errs.RateLimited(op, 0, err)
			case rest.Response.StatusCode == http.StatusForbidden || rest.Response.StatusCode == http.StatusUnauthorized:
				return errs.New(errs.KindDeliveryPermissionDenied, op, err)
			}
		}
	}
	return errs.New(errs.KindDeliveryFailed, op, fmt.Errorf("discord: %w", err))
}
