// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package notifyfilter

import (
	"encoding/json"
)

// SettingsVersion is the current version of the settings wire format.
const SettingsVersion = 1

// Settings holds the per-account notification filtering preferences.
// Field names mirror the browser client's JSON so stored blobs and
// API payloads stay interchangeable.
type Settings struct {
	Version           int      `json:"version"`
	NotifyOnMention   bool     `json:"notifyOnMention"`
	NotifyOnPM        bool     `json:"notifyOnPM"`
	NotifyOnOther     bool     `json:"notifyOnOther"`
	MuteSelfMessages  bool     `json:"muteSelfMessages"`
	MutedStreams      []string `json:"mutedStreams"`
	MutedTopics       []string `json:"mutedTopics"`
	QuietHoursEnabled bool     `json:"quietHoursEnabled"`
	QuietHoursStart   string   `json:"quietHoursStart"`
	QuietHoursEnd     string   `json:"quietHoursEnd"`
	QuietDaysEnabled  bool     `json:"quietDaysEnabled"`
	QuietDays         []int    `json:"quietDays"`
}

// DefaultSettings returns the documented defaults: mentions and private
// messages notify, other stream traffic does not, own messages are muted,
// and the quiet window features start out disabled.
func DefaultSettings() Settings {
	return Settings{
		Version:          SettingsVersion,
		NotifyOnMention:  true,
		NotifyOnPM:       true,
		NotifyOnOther:    false,
		MuteSelfMessages: true,
		QuietHoursStart:  "22:00",
		QuietHoursEnd:    "07:00",
	}
}

// Patch is a partial settings update. Nil fields leave the current
// value untouched.
type Patch struct {
	NotifyOnMention   *bool     `json:"notifyOnMention,omitempty"`
	NotifyOnPM        *bool     `json:"notifyOnPM,omitempty"`
	NotifyOnOther     *bool     `json:"notifyOnOther,omitempty"`
	MuteSelfMessages  *bool     `json:"muteSelfMessages,omitempty"`
	MutedStreams      *[]string `json:"mutedStreams,omitempty"`
	MutedTopics       *[]string `json:"mutedTopics,omitempty"`
	QuietHoursEnabled *bool     `json:"quietHoursEnabled,omitempty"`
	QuietHoursStart   *string   `json:"quietHoursStart,omitempty"`
	QuietHoursEnd     *string   `json:"quietHoursEnd,omitempty"`
	QuietDaysEnabled  *bool     `json:"quietDaysEnabled,omitempty"`
	QuietDays         *[]int    `json:"quietDays,omitempty"`
}

// Apply returns a copy of the settings with the patch applied.
func (settings Settings) Apply(patch Patch) Settings {
	if patch.NotifyOnMention != nil {
		settings.NotifyOnMention = *patch.NotifyOnMention
	}
	if patch.NotifyOnPM != nil {
		settings.NotifyOnPM = *patch.NotifyOnPM
	}
	if patch.NotifyOnOther != nil {
		settings.NotifyOnOther = *patch.NotifyOnOther
	}
	if patch.MuteSelfMessages != nil {
		settings.MuteSelfMessages = *patch.MuteSelfMessages
	}
	if patch.MutedStreams != nil {
		settings.MutedStreams = *patch.MutedStreams
	}
	if patch.MutedTopics != nil {
		settings.MutedTopics = *patch.MutedTopics
	}
	if patch.QuietHoursEnabled != nil {
		settings.QuietHoursEnabled = *patch.QuietHoursEnabled
	}
	if patch.QuietHoursStart != nil {
		settings.QuietHoursStart = *patch.QuietHoursStart
	}
	if patch.QuietHoursEnd != nil {
		settings.QuietHoursEnd = *patch.QuietHoursEnd
	}
	if patch.QuietDaysEnabled != nil {
		settings.QuietDaysEnabled = *patch.QuietDaysEnabled
	}
	if patch.QuietDays != nil {
		settings.QuietDays = *patch.QuietDays
	}
	return settings
}

// DecodeSettings parses a stored or submitted settings blob on top of the
// defaults. Unknown fields are ignored and malformed input yields the
// defaults, never an error.
func DecodeSettings(data []byte) Settings {
	settings := DefaultSettings()
	if len(data) == 0 {
		return settings
	}

	var patch Patch
	if err := json.Unmarshal(data, &patch); err != nil {
		return settings
	}
	return settings.Apply(patch)
}

// DecodePatch parses a partial settings update.
func DecodePatch(data []byte) (Patch, error) {
	var patch Patch
	if err := json.Unmarshal(data, &patch); err != nil {
		return Patch{}, Error.Wrap(err)
	}
	return patch, nil
}
