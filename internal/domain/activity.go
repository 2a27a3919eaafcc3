package domain

import "encoding/json"

// Activity types delivered by the chat platform.
const (
	ActivityMessage            = "message"
	ActivityTyping             = "typing"
	ActivityConversationUpdate = "conversationUpdate"
)

// ChannelAccount identifies a user or bot on a channel.
type ChannelAccount struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	AADObjectID string `json:"aadObjectId,omitempty"`
}

// ConversationAccount identifies a conversation on a channel.
type ConversationAccount struct {
	ID               string `json:"id"`
	Name             string `json:"name,omitempty"`
	ConversationType string `json:"conversationType,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
	IsGroup          bool   `json:"isGroup,omitempty"`
}

// Activity is the subset of the chat-platform activity schema the relay reads
// and writes.
type Activity struct {
	Type         string              `json:"type"`
	ID           string              `json:"id,omitempty"`
	Timestamp    string              `json:"timestamp,omitempty"`
	ServiceURL   string              `json:"serviceUrl,omitempty"`
	ChannelID    string              `json:"channelId,omitempty"`
	From         ChannelAccount      `json:"from"`
	Conversation ConversationAccount `json:"conversation"`
	Recipient    ChannelAccount      `json:"recipient"`
	Text         string              `json:"text,omitempty"`
	TextFormat   string              `json:"textFormat,omitempty"`
	Locale       string              `json:"locale,omitempty"`
	ReplyToID    string              `json:"replyToId,omitempty"`
	Value        json.RawMessage     `json:"value,omitempty"`
	MembersAdded []ChannelAccount    `json:"membersAdded,omitempty"`
}

// ConversationReference is the reach-back handle: enough to message a user
// again outside the request that produced it.
type ConversationReference struct {
	ActivityID   string              `json:"activityId,omitempty"`
	User         ChannelAccount      `json:"user"`
	Bot          ChannelAccount      `json:"bot"`
	Conversation ConversationAccount `json:"conversation"`
	ChannelID    string              `json:"channelId"`
	Locale       string              `json:"locale,omitempty"`
	ServiceURL   string              `json:"serviceUrl"`
}

// ReferenceFrom derives the reach-back handle from an inbound activity.
func ReferenceFrom(a Activity) ConversationReference {
	return ConversationReference{
		ActivityID:   a.ID,
		User:         a.From,
		Bot:          a.Recipient,
		Conversation: a.Conversation,
		ChannelID:    a.ChannelID,
		Locale:       a.Locale,
		ServiceURL:   a.ServiceURL,
	}
}

// Valid reports whether the reference carries the fields needed for delivery.
func (r ConversationReference) Valid() bool {
	return r.ServiceURL != "" && r.Conversation.ID != ""
}
