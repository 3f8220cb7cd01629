package chat

import (
	"encoding/json"
	"time"
)

// ChatMessage is the CHAT_MESSAGE payload.
type ChatMessage struct {
	ID         string    `json:"id" validate:"required,uuid"`
	ChannelID  string    `json:"channelId" validate:"required,channelname"`
	Author     string    `json:"author" validate:"required"`
	AuthorName string    `json:"authorName,omitempty" validate:"max=64"`
	Text       string    `json:"text" validate:"required,max=4096"`
	SentAt     time.Time `json:"sentAt" validate:"required,senttime"`
}

// ChannelSync is the CHANNEL_SYNC payload: the sender's channel list.
type ChannelSync struct {
	Channels []string `json:"channels" validate:"max=256,dive,channelname"`
}

// BoardUpdate is the BOARD_UPDATE payload: a full board snapshot.
type BoardUpdate struct {
	BoardID string          `json:"boardId" validate:"required,channelname"`
	Version uint64          `json:"version" validate:"gt=0"`
	State   json.RawMessage `json:"state" validate:"required"`
}

// DeleteNotice is the DELETE_MESSAGE payload.
type DeleteNotice struct {
	ChannelID string `json:"channelId" validate:"required,channelname"`
	MessageID string `json:"messageId" validate:"required,uuid"`
}

// TypingStatus is the TYPING_STATUS payload.
type TypingStatus struct {
	ChannelID string `json:"channelId" validate:"required,channelname"`
	Typing    bool   `json:"typing"`
}
