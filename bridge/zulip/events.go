// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package zulip

import (
	"encoding/json"
)

// QueueHandle identifies a registered event queue together with the last
// event id incorporated from it. A zero QueueID means no queue is
// registered; LastEventID -1 means no event has been seen yet.
type QueueHandle struct {
	QueueID     string `json:"queueId"`
	LastEventID int64  `json:"lastEventId"`
}

// Registered reports whether the handle refers to a live queue.
func (handle QueueHandle) Registered() bool {
	return handle.QueueID != ""
}

// Event is a single entry drained from the server's event queue.
type Event struct {
	ID      int64    `json:"id"`
	Type    string   `json:"type"`
	Message *Message `json:"message"`
	Flags   []string `json:"flags"`
}

// Message is the chat message carried by a message event.
type Message struct {
	ID               int64           `json:"id"`
	Type             string          `json:"type"`
	SenderID         int64           `json:"sender_id"`
	SenderFullName   string          `json:"sender_full_name"`
	Content          string          `json:"content"`
	Subject          string          `json:"subject"`
	DisplayRecipient json.RawMessage `json:"display_recipient"`
}

// Direct reports whether the message is a private message.
func (message *Message) Direct() bool {
	return message.Type == "private"
}

// StreamName returns the stream the message was sent to. For private
// messages display_recipient is a list of users instead of a stream
// name, so the result is empty.
func (message *Message) StreamName() string {
	var name string
	if err := json.Unmarshal(message.DisplayRecipient, &name); err != nil {
		return ""
	}
	return name
}

// MessageEvent pairs a message with the per-user delivery flags of the
// event that carried it.
type MessageEvent struct {
	EventID           int64
	Message           Message
	Mentioned         bool
	WildcardMentioned bool
}

// EventBatch is the outcome of one poll: the message events worth
// processing and the highest event id seen across the whole response,
// heartbeats and unknown event types included.
type EventBatch struct {
	Messages   []MessageEvent
	MaxEventID int64
}

// Empty reports whether the batch carried no events at all.
func (batch *EventBatch) Empty() bool {
	return batch.MaxEventID < 0
}

const eventTypeMessage = "message"

func newEventBatch(events []Event) *EventBatch {
	batch := &EventBatch{MaxEventID: -1}

	for _, event := range events {
		if event.ID > batch.MaxEventID {
			batch.MaxEventID = event.ID
		}
		if event.Type != eventTypeMessage || event.Message == nil {
			// heartbeats and unknown event types only advance the id
			continue
		}

		messageEvent := MessageEvent{
			EventID: event.ID,
			Message: *event.Message,
		}
		for _, flag := range event.Flags {
			switch flag {
			case "mentioned":
				messageEvent.Mentioned = true
			case "wildcard_mentioned":
				messageEvent.WildcardMentioned = true
			}
		}
		batch.Messages = append(batch.Messages, messageEvent)
	}

	return batch
}
