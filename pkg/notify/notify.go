// Package notify delivers orchestration events to Slack. The service is
// nil-safe: with no webhook configured every call is a cheap no-op, so
// callers never guard their notification sites.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/slack-go/slack"

	"github.com/orch-dev/orch/pkg/config"
)

// EventKind identifies a notifiable orchestration event.
type EventKind string

const (
	EventOrchestrationStarted EventKind = "orchestration-started"
	EventAwaitingApproval     EventKind = "awaiting-approval"
	EventApproved             EventKind = "approved"
	EventRejected             EventKind = "rejected"
	EventStageTransition      EventKind = "stage-transition"
	EventTaskFailed           EventKind = "task-failed"
	EventTestFailed           EventKind = "test-failed"
	EventFixStarted           EventKind = "test-fix-started"
	EventFixCompleted         EventKind = "test-fix-completed"
	EventTestPassedAfterFix   EventKind = "test-passed-after-fix"
	EventMaxAttemptsReached   EventKind = "test-max-attempts-reached"
	EventModelFailover        EventKind = "model-failover"
	EventCriticalError        EventKind = "critical-error"
	EventOrchestrationDone    EventKind = "orchestration-complete"
	EventOrchestrationFailed  EventKind = "orchestration-failed"
	EventPRCreated            EventKind = "pr-created"
)

// severity buckets map onto the configured notification level.
type severity int

const (
	sevInfo severity = iota
	sevStage
	sevError
)

type eventStyle struct {
	emoji    string
	color    string
	severity severity
}

var styles = map[EventKind]eventStyle{
	EventOrchestrationStarted: {"🚀", "#439FE0", sevStage},
	EventAwaitingApproval:     {"🛎️", "#ECB22E", sevStage},
	EventApproved:             {"👍", "#2EB67D", sevStage},
	EventRejected:             {"🚫", "#E01E5A", sevStage},
	EventStageTransition:      {"➡️", "#439FE0", sevStage},
	EventTaskFailed:           {"❌", "#E01E5A", sevError},
	EventTestFailed:           {"🧪", "#E01E5A", sevError},
	EventFixStarted:           {"🔧", "#ECB22E", sevInfo},
	EventFixCompleted:         {"🛠️", "#2EB67D", sevInfo},
	EventTestPassedAfterFix:   {"🩹", "#2EB67D", sevStage},
	EventMaxAttemptsReached:   {"🛑", "#E01E5A", sevError},
	EventModelFailover:        {"🔀", "#ECB22E", sevInfo},
	EventCriticalError:        {"🚨", "#E01E5A", sevError},
	EventOrchestrationDone:    {"✅", "#2EB67D", sevStage},
	EventOrchestrationFailed:  {"💥", "#E01E5A", sevError},
	EventPRCreated:            {"🔗", "#2EB67D", sevStage},
}

// Event is one notification payload.
type Event struct {
	Kind        EventKind
	Title       string
	Message     string
	IssueNumber int
	URL         string
}

// Service posts events to a Slack webhook, optionally uploading files
// through a bot token.
type Service struct {
	webhookURL string
	level      string
	mentions   []string
	bot        *slack.Client
	channel    string
	logger     *slog.Logger

	// post is swapped in tests.
	post func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// NewService builds a Service from config. Returns nil when no webhook
// is configured; a nil Service is safe to use.
func NewService(cfg config.NotifierConfig, logger *slog.Logger) *Service {
	if cfg.WebhookURL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		webhookURL: cfg.WebhookURL,
		level:      cfg.NotificationLevel,
		mentions:   cfg.MentionRoles,
		channel:    cfg.Channel,
		logger:     logger.With("component", "notify"),
		post:       slack.PostWebhookContext,
	}
	if cfg.BotToken != "" {
		s.bot = slack.New(cfg.BotToken)
	}
	return s
}

// enabled applies the configured notification level.
func (s *Service) enabled(kind EventKind) bool {
	style := styles[kind]
	switch s.level {
	case config.NotifyErrorsOnly:
		return style.severity == sevError
	case config.NotifyStageTransitions:
		return style.severity >= sevStage
	default:
		return true
	}
}

// Notify delivers the event. Delivery failures are logged, never
// returned: notifications must not fail an orchestration.
func (s *Service) Notify(ctx context.Context, event Event) {
	if s == nil || !s.enabled(event.Kind) {
		return
	}
	msg := s.buildMessage(event)
	if err := s.post(ctx, s.webhookURL, msg); err != nil {
		s.logger.Error("notification delivery failed",
			"kind", string(event.Kind), "issue", event.IssueNumber, "error", err)
	}
}

// NotifyWithFile delivers the event and attaches a file via the bot
// token. Without a bot token the file is skipped and the event still
// goes out.
func (s *Service) NotifyWithFile(ctx context.Context, event Event, filePath string) {
	if s == nil {
		return
	}
	s.Notify(ctx, event)
	if s.bot == nil || s.channel == "" || filePath == "" {
		return
	}
	info, err := os.Stat(filePath)
	if err != nil {
		s.logger.Error("notification attachment missing", "path", filePath, "error", err)
		return
	}
	_, err = s.bot.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:  s.channel,
		File:     filePath,
		FileSize: int(info.Size()),
		Filename: info.Name(),
		Title:    event.Title,
	})
	if err != nil {
		s.logger.Error("notification file upload failed", "path", filePath, "error", err)
	}
}

func (s *Service) buildMessage(event Event) *slack.WebhookMessage {
	style := styles[event.Kind]
	title := fmt.Sprintf("%s %s", style.emoji, event.Title)

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, title, true, false)),
	}
	if event.Message != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, event.Message, false, false), nil, nil))
	}

	var contextParts []string
	if event.IssueNumber > 0 {
		contextParts = append(contextParts, fmt.Sprintf("Issue #%d", event.IssueNumber))
	}
	if event.URL != "" {
		contextParts = append(contextParts, fmt.Sprintf("<%s|Open>", event.URL))
	}
	if style.severity == sevError && len(s.mentions) > 0 {
		mentions := make([]string, len(s.mentions))
		for i, role := range s.mentions {
			mentions[i] = fmt.Sprintf("<!subteam^%s>", role)
		}
		contextParts = append(contextParts, strings.Join(mentions, " "))
	}
	if len(contextParts) > 0 {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, strings.Join(contextParts, " · "), false, false)))
	}

	return &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color:  style.color,
			Blocks: slack.Blocks{BlockSet: blocks},
		}},
	}
}
