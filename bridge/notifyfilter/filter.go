// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package notifyfilter decides whether an incoming chat message should
// produce a notification for a given user. The decision is a pure function
// of the user's settings, the message, and the evaluation time; every
// suppression and allowance carries a stable reason for logging and tests.
package notifyfilter

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default error class for the notifyfilter package.
var Error = errs.Class("notifyfilter")

// Kind distinguishes direct messages from stream messages.
type Kind string

const (
	// KindDirect is a private message addressed to the user.
	KindDirect Kind = "direct"
	// KindStream is a message sent to a stream.
	KindStream Kind = "stream"
)

// Message is the filterable projection of an incoming chat message.
type Message struct {
	SenderID          int64
	Kind              Kind
	Stream            string
	Topic             string
	Mentioned         bool
	WildcardMentioned bool
}

// Reason explains a filter decision.
type Reason string

const (
	// ReasonSelfMessage suppresses the user's own messages.
	ReasonSelfMessage Reason = "self_message"
	// ReasonQuietHours suppresses messages inside the quiet-hours window.
	ReasonQuietHours Reason = "quiet_hours"
	// ReasonQuietDay suppresses messages on a configured quiet weekday.
	ReasonQuietDay Reason = "quiet_day"
	// ReasonDMDisabled suppresses private messages when those are turned off.
	ReasonDMDisabled Reason = "dm_disabled"
	// ReasonMentionDisabled suppresses mentions when those are turned off.
	ReasonMentionDisabled Reason = "mention_disabled"
	// ReasonOtherDisabled suppresses unmentioned stream traffic when that is turned off.
	ReasonOtherDisabled Reason = "other_disabled"
	// ReasonMutedChannel suppresses messages from a muted stream.
	ReasonMutedChannel Reason = "muted_channel"
	// ReasonMutedTopic suppresses messages whose topic matches a muted pattern.
	ReasonMutedTopic Reason = "muted_topic"
	// ReasonDM allows a private message.
	ReasonDM Reason = "dm"
	// ReasonMention allows a message that mentions the user.
	ReasonMention Reason = "mention"
	// ReasonOther allows unmentioned stream traffic.
	ReasonOther Reason = "other"
)

// Result is a filter decision with its reason.
type Result struct {
	Notify bool
	Reason Reason
}

// ShouldNotify decides whether msg should notify the user identified by
// userID. The rules are evaluated in a fixed order and the first match
// wins; in particular a private message is decided entirely by the
// private-message toggle and never reaches the stream, channel-mute, or
// topic-mute rules. now supplies the local time for the quiet windows.
func ShouldNotify(settings Settings, msg Message, userID int64, now time.Time) Result {
	if settings.MuteSelfMessages && msg.SenderID == userID {
		return Result{Notify: false, Reason: ReasonSelfMessage}
	}

	if settings.QuietHoursEnabled && inQuietHours(settings.QuietHoursStart, settings.QuietHoursEnd, now) {
		return Result{Notify: false, Reason: ReasonQuietHours}
	}

	if settings.QuietDaysEnabled && isQuietDay(settings.QuietDays, now) {
		return Result{Notify: false, Reason: ReasonQuietDay}
	}

	if msg.Kind == KindDirect {
		if settings.NotifyOnPM {
			return Result{Notify: true, Reason: ReasonDM}
		}
		return Result{Notify: false, Reason: ReasonDMDisabled}
	}

	mentioned := msg.Mentioned || msg.WildcardMentioned
	if mentioned && !settings.NotifyOnMention {
		return Result{Notify: false, Reason: ReasonMentionDisabled}
	}
	if !mentioned && !settings.NotifyOnOther {
		return Result{Notify: false, Reason: ReasonOtherDisabled}
	}

	for _, stream := range settings.MutedStreams {
		if strings.EqualFold(stream, msg.Stream) {
			return Result{Notify: false, Reason: ReasonMutedChannel}
		}
	}

	for _, pattern := range settings.MutedTopics {
		if topicMatches(pattern, msg.Topic) {
			return Result{Notify: false, Reason: ReasonMutedTopic}
		}
	}

	if mentioned {
		return Result{Notify: true, Reason: ReasonMention}
	}
	return Result{Notify: true, Reason: ReasonOther}
}

// inQuietHours reports whether now falls inside the start..end window,
// compared as minutes of the day. A window whose start is later than its
// end wraps past midnight. Unparseable bounds disable the window.
func inQuietHours(start, end string, now time.Time) bool {
	startMin, ok := parseClock(start)
	if !ok {
		return false
	}
	endMin, ok := parseClock(end)
	if !ok {
		return false
	}

	nowMin := now.Hour()*60 + now.Minute()
	if startMin > endMin {
		return nowMin >= startMin || nowMin < endMin
	}
	return nowMin >= startMin && nowMin < endMin
}

// parseClock parses an "HH:MM" value into minutes after midnight.
func parseClock(value string) (int, bool) {
	hh, mm, found := strings.Cut(value, ":")
	if !found {
		return 0, false
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}

// isQuietDay reports whether now's weekday is in the configured set.
// Days use 0=Sunday through 6=Saturday, the convention the browser
// client already stores.
func isQuietDay(days []int, now time.Time) bool {
	weekday := int(now.Weekday())
	for _, day := range days {
		if day == weekday {
			return true
		}
	}
	return false
}

// topicMatches reports whether topic is muted by pattern. Patterns are
// case-insensitive regular expressions searched anywhere in the topic; a
// pattern that does not compile is matched as a case-insensitive literal
// substring instead.
func topicMatches(pattern, topic string) bool {
	matcher, ok := compilePattern(pattern)
	if !ok {
		return strings.Contains(strings.ToLower(topic), strings.ToLower(pattern))
	}
	return matcher.MatchString(topic)
}

// compilePattern compiles a muted-topic pattern, reporting whether the
// pattern was valid.
func compilePattern(pattern string) (*regexp.Regexp, bool) {
	matcher, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, false
	}
	return matcher, true
}
