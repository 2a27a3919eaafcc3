package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"scm-relay/internal/domain"
)

const (
	actionSubscribe      = "subscribe"
	listSubscriptionsCmd = "subscriptions"

	defaultWelcome = "Welcome! Ask me anything about SCM data, or type \"subscriptions\" to see which notifications you receive."
	emptyTextHint  = "Please type a question, or \"subscriptions\" to see which notifications you receive."
)

var mentionPattern = regexp.MustCompile(`(?is)<at>.*?</at>`)

// ContactStore is the part of the contact directory inbound activities update.
type ContactStore interface {
	Upsert(ctx context.Context, identity, displayName string, ref domain.ConversationReference, subscriptions []string) (domain.ContactRecord, error)
	Get(ctx context.Context, identity string) (domain.ContactRecord, bool, error)
}

// TurnRunner runs one relay turn to completion.
type TurnRunner interface {
	Execute(ctx context.Context, turn Turn) Outcome
}

// cardAction is the value payload of a submitted card.
type cardAction struct {
	Action        string   `json:"action"`
	Subscriptions []string `json:"subscriptions"`
}

// Bot routes inbound chat activities: plain messages become relay turns,
// card submissions and commands manage subscriptions, and new members are
// registered and welcomed.
type Bot struct {
	contacts    ContactStore
	messenger   Messenger
	turns       TurnRunner
	defaultSubs []string
	welcome     string
	logger      *slog.Logger
}

type BotOption func(*Bot)

// WithDefaultSubscriptions sets the tags given to contacts seen for the first
// time through a members-added event.
func WithDefaultSubscriptions(tags []string) BotOption {
	return func(b *Bot) { b.defaultSubs = domain.NormalizeTags(tags) }
}

func WithWelcome(text string) BotOption {
	return func(b *Bot) {
		if text != "" {
			b.welcome = text
		}
	}
}

func WithBotLogger(l *slog.Logger) BotOption {
	return func(b *Bot) {
		if l != nil {
			b.logger = l
		}
	}
}

func NewBot(contacts ContactStore, m Messenger, turns TurnRunner, opts ...BotOption) (*Bot, error) {
	if contacts == nil {
		return nil, errors.New("usecase: contact store must not be nil")
	}
	if m == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	if turns == nil {
		return nil, errors.New("usecase: turn runner must not be nil")
	}
	b := &Bot{
		contacts:  contacts,
		messenger: m,
		turns:     turns,
		welcome:   defaultWelcome,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// HandleActivity processes one inbound activity. Errors are *Error values;
// a failed relay turn is not an error because the user already got an
// apology.
func (b *Bot) HandleActivity(ctx context.Context, a domain.Activity) error {
	ref := domain.ReferenceFrom(a)
	if !ref.Valid() {
		return newError(ErrorInvalidInput, "missing_conversation", nil)
	}
	logger := b.logger.With("component", "bot", "activity_type", a.Type, "user_id", a.From.ID)

	switch a.Type {
	case domain.ActivityMessage:
		if strings.TrimSpace(a.From.ID) == "" {
			return newError(ErrorInvalidInput, "missing_sender", nil)
		}
		return b.onMessage(ctx, a, ref, logger)
	case domain.ActivityConversationUpdate:
		return b.onMembersAdded(ctx, a, ref, logger)
	default:
		logger.Debug("ignoring activity")
		return nil
	}
}

func (b *Bot) onMessage(ctx context.Context, a domain.Activity, ref domain.ConversationReference, logger *slog.Logger) error {
	if action, ok := parseAction(a.Value); ok && action.Action == actionSubscribe {
		return b.onSubscribe(ctx, a, ref, action.Subscriptions)
	}

	text := StripMentions(a.Text)
	if text == "" {
		b.reply(ctx, ref, emptyTextHint, logger)
		return nil
	}

	rec, err := b.remember(ctx, a, ref)
	if strings.EqualFold(text, listSubscriptionsCmd) {
		if err != nil {
			return newError(ErrorInternal, "directory_unavailable", err)
		}
		b.reply(ctx, ref, describeSubscriptions(rec.Subscriptions), logger)
		return nil
	}
	if err != nil {
		// The turn replies through the activity's own reference.
		logger.Warn("contact not refreshed", "err", err)
	}

	out := b.turns.Execute(ctx, Turn{
		UserID:    a.From.ID,
		Text:      text,
		ReachBack: ref,
	})
	logger.Info("turn finished", "turn_id", out.TurnID, "state", out.State.String())
	return nil
}

// remember refreshes the reach-back handle of the sender, keeping their
// subscriptions. A sender seen for the first time gets a record with no
// subscriptions; job notifications skip them until they subscribe.
func (b *Bot) remember(ctx context.Context, a domain.Activity, ref domain.ConversationReference) (domain.ContactRecord, error) {
	prev, _, err := b.contacts.Get(ctx, a.From.ID)
	if err != nil {
		return domain.ContactRecord{}, err
	}
	return b.contacts.Upsert(ctx, a.From.ID, a.From.Name, ref, prev.Subscriptions)
}

func (b *Bot) onSubscribe(ctx context.Context, a domain.Activity, ref domain.ConversationReference, tags []string) error {
	rec, err := b.contacts.Upsert(ctx, a.From.ID, a.From.Name, ref, tags)
	if err != nil {
		return newError(ErrorInternal, "directory_unavailable", err)
	}
	b.reply(ctx, ref, "Subscriptions updated. "+describeSubscriptions(rec.Subscriptions), b.logger)
	return nil
}

func (b *Bot) onMembersAdded(ctx context.Context, a domain.Activity, ref domain.ConversationReference, logger *slog.Logger) error {
	for _, member := range a.MembersAdded {
		if member.ID == "" || member.ID == a.Recipient.ID {
			continue
		}
		memberRef := ref
		memberRef.User = member

		subs := b.defaultSubs
		prev, ok, err := b.contacts.Get(ctx, member.ID)
		if err != nil {
			return newError(ErrorInternal, "directory_unavailable", err)
		}
		if ok {
			subs = prev.Subscriptions
		}
		if _, err := b.contacts.Upsert(ctx, member.ID, member.Name, memberRef, subs); err != nil {
			return newError(ErrorInternal, "directory_unavailable", err)
		}
		logger.Info("contact registered", "member_id", member.ID, "existing", ok)
		b.reply(ctx, memberRef, b.welcome, logger)
	}
	return nil
}

func (b *Bot) reply(ctx context.Context, ref domain.ConversationReference, text string, logger *slog.Logger) {
	if err := b.messenger.SendText(ctx, ref, text); err != nil {
		logger.Error("reply not delivered", "err", err)
	}
}

func parseAction(raw json.RawMessage) (cardAction, bool) {
	if len(raw) == 0 {
		return cardAction{}, false
	}
	var action cardAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return cardAction{}, false
	}
	return action, action.Action != ""
}

// StripMentions removes <at>...</at> mention markup and surrounding space.
func StripMentions(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}

func describeSubscriptions(tags []string) string {
	if len(tags) == 0 {
		return "You are not subscribed to any notifications."
	}
	return fmt.Sprintf("You are subscribed to: %s.", strings.Join(tags, ", "))
}
