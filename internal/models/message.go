package models

import (
	"encoding/json"
	"time"
)

const (
	SourceWhatsApp = "whatsapp"
	SourceTelegram = "telegram"

	ChatTypeGroup    = "group"
	ChatTypePersonal = "personal"
)

// IncomingMessage is the webhook payload posted by the chat relays.
type IncomingMessage struct {
	MessageID         string          `json:"messageId" validate:"required"`
	ChatID            string          `json:"chatId" validate:"required"`
	ChatName          string          `json:"chatName" validate:"required"`
	ChatType          string          `json:"chatType" validate:"omitempty,oneof=group personal"`
	SenderID          string          `json:"senderId" validate:"required"`
	SenderName        string          `json:"senderName"`
	SenderPhoneNumber string          `json:"senderPhoneNumber"`
	Content           string          `json:"content"`
	Timestamp         string          `json:"timestamp"`
	HasMedia          bool            `json:"hasMedia"`
	MediaMimetype     string          `json:"mediaMimetype"`
	MediaFilename     string          `json:"mediaFilename"`
	MediaData         string          `json:"mediaData"`
	MessageType       string          `json:"messageType"`
	IsForwarded       bool            `json:"isForwarded"`
	ParsedData        json.RawMessage `json:"parsedData"`
}

// HasParsedData reports whether the relay attached a non-null parsedData value.
func (m IncomingMessage) HasParsedData() bool {
	return len(m.ParsedData) > 0 && string(m.ParsedData) != "null"
}

// ChatMessage is the stored audit record of one inbound message, keyed by its external MessageID.
type ChatMessage struct {
	ID                string    `firestore:"-"`
	MessageID         string    `firestore:"messageID"`
	Source            string    `firestore:"source"`
	ChatID            string    `firestore:"chatID"`
	ChatName          string    `firestore:"chatName"`
	ChatType          string    `firestore:"chatType"`
	SenderID          string    `firestore:"senderID"`
	SenderName        string    `firestore:"senderName"`
	SenderPhone       string    `firestore:"senderPhone,omitempty"`
	SenderKey         string    `firestore:"senderKey"` // phone, or platform sender id when no phone
	Content           string    `firestore:"content"`
	Timestamp         time.Time `firestore:"timestamp"`
	HasMedia          bool      `firestore:"hasMedia"`
	MediaMimetype     string    `firestore:"mediaMimetype,omitempty"`
	MediaFilename     string    `firestore:"mediaFilename,omitempty"`
	MediaData         string    `firestore:"mediaData,omitempty"`
	MessageType       string    `firestore:"messageType,omitempty"`
	IsForwarded       bool      `firestore:"isForwarded"`
	ParsedData        string    `firestore:"parsedData,omitempty"`
	IsUpdate          bool      `firestore:"isUpdate"`
	OriginalMessageID string    `firestore:"originalMessageID,omitempty"`
	CreatedAt         time.Time `firestore:"createdAt"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

// ChatGroup tracks a monitored group chat.
type ChatGroup struct {
	ChatID            string    `firestore:"chatID"`
	ChatName          string    `firestore:"chatName"`
	MonitoringEnabled bool      `firestore:"monitoringEnabled"`
	MessageCount      int64     `firestore:"messageCount"`
	LastMessageAt     time.Time `firestore:"lastMessageAt"`
	CreatedAt         time.Time `firestore:"createdAt"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}
