package alerts

import (
	"fmt"

	"github.com/onnwee/stream-alerts/msgtmpl"
)

// SettingKind enumerates the per-subscription settings that can be updated
// after creation.
type SettingKind string

const (
	SettingPaused      SettingKind = "paused"
	SettingEndDelete   SettingKind = "end_delete"
	SettingLiveMessage SettingKind = "live_message"
	SettingEndMessage  SettingKind = "end_message"
	SettingChannel     SettingKind = "channel"
)

// SettingValue carries the new value for a setting update. Bool is read for
// the boolean kinds, Text for the rest; a nil Text clears a message template
// back to its default.
type SettingValue struct {
	Kind SettingKind
	Bool bool
	Text *string
}

// Validate checks the value against its kind. Message templates must render:
// they are validated here so a broken template fails at configuration time,
// not at dispatch time.
func (v SettingValue) Validate() error {
	switch v.Kind {
	case SettingPaused, SettingEndDelete:
		return nil
	case SettingLiveMessage, SettingEndMessage:
		if v.Text == nil {
			return nil
		}
		if _, err := msgtmpl.Render(*v.Text, msgtmpl.Bindings{}); err != nil {
			return fmt.Errorf("invalid message template: %w", err)
		}
		return nil
	case SettingChannel:
		if v.Text == nil || *v.Text == "" {
			return fmt.Errorf("channel id required")
		}
		return nil
	default:
		return fmt.Errorf("unknown setting %q", v.Kind)
	}
}
