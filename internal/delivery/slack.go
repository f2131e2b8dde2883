package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"sportsedge/internal/config"
	"sportsedge/internal/errs"
)

// Slack truncates message text past this many characters.
const slackMaxMessage = 40000

// SlackSink maps destinations to public channels of one workspace.
type SlackSink struct {
	API         *slack.Client
	TeamID      string
	HistoryScan int
	Logger      *zap.Logger
}

func NewSlackSink(cfg config.DeliveryConfig, logger *zap.Logger) (*SlackSink, error) {
	token := strings.TrimSpace(cfg.Slack.Token)
	if token == "" {
		return nil, errs.Newf(errs.KindFatalConfig, "delivery.slack", "token is required")
	}
	var opts []slack.Option
	if u := strings.TrimSpace(cfg.Slack.APIURL); u != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(u, "/")+"/"))
	}
	return &SlackSink{
		API:         slack.New(token, opts...),
		TeamID:      cfg.Slack.TeamID,
		HistoryScan: cfg.HistoryScan,
		Logger:      logger,
	}, nil
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) EnsureDestination(ctx context.Context, key string) (string, error) {
	name := Slug(key)
	cursor := ""
	for {
		channels, next, err := s.API.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Cursor:          cursor,
			ExcludeArchived: true,
			Limit:           200,
			Types:           []string{"public_channel"},
			TeamID:          s.TeamID,
		})
		if err != nil {
			return "", classifySlack("delivery.slack.list", err)
		}
		for _, ch := range channels {
			if ch.Name == name {
				return ch.ID, nil
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	ch, err := s.API.CreateConversationContext(ctx, slack.CreateConversationParams{
		ChannelName: name,
		TeamID:      s.TeamID,
	})
	if err != nil {
		return "", classifySlack("delivery.slack.create", err)
	}
	if s.Logger != nil {
		s.Logger.Info("slack channel created", zap.String("name", name), zap.String("channel_id", ch.ID))
	}
	return ch.ID, nil
}

func (s *SlackSink) Post(ctx context.Context, destinationID, taskID, content string) error {
	limit := s.HistoryScan
	if limit <= 0 {
		limit = 50
	}
	hist, err := s.API.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: destinationID,
		Limit:     limit,
	})
	if err != nil {
		return classifySlack("delivery.slack.history", err)
	}
	for _, m := range hist.Messages {
		if hasRef(m.Text, taskID) {
			return nil
		}
	}
	if _, _, err := s.API.PostMessageContext(ctx, destinationID, slack.MsgOptionText(withRefLimit(content, taskID, slackMaxMessage), false)); err != nil {
		return classifySlack("delivery.slack.post", err)
	}
	return nil
}

var slackPermissionErrors = map[string]bool{
	"not_in_channel":    true,
	"channel_not_found": true,
	"missing_scope":     true,
	"not_authed":        true,
	"invalid_auth":      true,
	"account_inactive":  true,
	"restricted_action": true,
	"is_archived":       true,
	"no_permission":     true,
	"token_revoked":     true,
}

func classifySlack(op string, err error) error {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return errs.RateLimited(op, rl.RetryAfter, err)
	}
	var se slack.SlackErrorResponse
	if errors.As(err, &se) && slackPermissionErrors[se.Err] {
		return errs.New(errs.KindDeliveryPermissionDenied, op, err)
	}
	if slackPermissionErrors[err.Error()] {
		return errs.New(errs.KindDeliveryPermissionDenied, op, err)
	}
	return errs.New(errs.KindDeliveryFailed, op, fmt.Errorf("slack: %w", err))
}
