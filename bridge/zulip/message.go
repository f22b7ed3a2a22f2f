// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package zulip

import (
	"html"
	"regexp"
	"strings"
)

// maxNotificationBody caps how much rendered content ends up in a
// notification body.
const maxNotificationBody = 300

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// NotificationTitle renders the title line shown for this message:
// "PM from <sender>" for private messages, otherwise
// "<sender> in #<stream> > <topic>".
func (message *Message) NotificationTitle() string {
	if message.Direct() {
		return "PM from " + message.SenderFullName
	}
	return message.SenderFullName + " in #" + message.StreamName() + " > " + message.Subject
}

// PlainContent reduces the server-rendered HTML content to plain text:
// tags removed, entities unescaped, whitespace collapsed.
func (message *Message) PlainContent() string {
	plain := tagPattern.ReplaceAllString(message.Content, "")
	plain = html.UnescapeString(plain)
	plain = whitespacePattern.ReplaceAllString(plain, " ")
	return strings.TrimSpace(plain)
}

// NotificationBody is PlainContent truncated for notification surfaces.
func (message *Message) NotificationBody() string {
	body := message.PlainContent()
	runes := []rune(body)
	if len(runes) > maxNotificationBody {
		return string(runes[:maxNotificationBody]) + "..."
	}
	return body
}
