// Package msgtmpl renders stored alert message templates. A template is a
// JSON document (content plus optional embed structure); rendering substitutes
// a fixed set of placeholder tokens into every string leaf and leaves the
// document shape untouched. Rendering is pure: identical template and
// bindings always produce identical output.
package msgtmpl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultLiveMessage is used when a subscription has no custom live message.
const DefaultLiveMessage = `{"content":"**{display_name}** just went live at {channel_link}"}`

// Placeholder tokens recognized in templates.
const (
	TokenDisplayName = "{display_name}"
	TokenLoginName   = "{login_name}"
	TokenChannelLink = "{channel_link}"
	TokenStreamStart = "{stream_start}"
	TokenStreamEnd   = "{stream_end}"
)

// Bindings holds the values substituted into a template. StreamEnd is only
// bound for end-of-stream messages.
type Bindings struct {
	DisplayName string
	LoginName   string
	StreamStart time.Time
	StreamEnd   *time.Time
}

// ChannelLink returns the canonical profile URL for the login handle.
func (b Bindings) ChannelLink() string {
	return "https://www.twitch.tv/" + b.LoginName
}

func (b Bindings) replacer() *strings.Replacer {
	pairs := []string{
		TokenDisplayName, b.DisplayName,
		TokenLoginName, b.LoginName,
		TokenChannelLink, b.ChannelLink(),
		TokenStreamStart, strconv.FormatInt(b.StreamStart.Unix(), 10),
	}
	if b.StreamEnd != nil {
		pairs = append(pairs, TokenStreamEnd, strconv.FormatInt(b.StreamEnd.Unix(), 10))
	}
	// strings.Replacer substitutes all tokens in a single pass, so a bound
	// value containing a token is never re-expanded.
	return strings.NewReplacer(pairs...)
}

// Render parses the template JSON and substitutes the bound values into every
// string leaf. An empty template yields (nil, nil): nothing to send or edit.
func Render(template string, b Bindings) (map[string]any, error) {
	if strings.TrimSpace(template) == "" {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(template), &doc); err != nil {
		return nil, fmt.Errorf("parse message template: %w", err)
	}
	r := b.replacer()
	out, _ := substitute(doc, r).(map[string]any)
	return out, nil
}

func substitute(v any, r *strings.Replacer) any {
	switch t := v.(type) {
	case string:
		return r.Replace(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = substitute(val, r)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = substitute(val, r)
		}
		return out
	default:
		// Numbers, bools, nulls pass through untouched.
		return v
	}
}
