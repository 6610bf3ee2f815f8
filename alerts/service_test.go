package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/stream-alerts/store"
	"github.com/onnwee/stream-alerts/twitchapi"
)

func newTestService(t *testing.T) (*Service, *testEngine) {
	t.Helper()
	eng := newTestEngine(t, PollerOptions{Interval: time.Minute, PageSize: 100})
	svc := NewService(eng.st, eng.plat, eng.poller, nil)
	return svc, eng
}

func TestServiceCreateSubscription(t *testing.T) {
	ctx := context.Background()
	svc, eng := newTestService(t)
	eng.plat.users["alpha"] = twitchapi.User{ID: "u1", Login: "alpha", DisplayName: "Alpha"}

	sub, err := svc.CreateSubscription(ctx, "g1", "chan-1", "alpha", "tester", nil)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if sub.StreamerID != "u1" {
		t.Fatalf("streamer id = %q, want u1", sub.StreamerID)
	}
	snap := eng.poller.Snapshot()
	if len(snap.Watching) != 1 || snap.Watching[0] != "alpha" {
		t.Fatalf("watch set = %v, want [alpha]", snap.Watching)
	}

	// Same channel, same streamer: rejected.
	if _, err := svc.CreateSubscription(ctx, "g1", "chan-1", "alpha", "tester", nil); !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("duplicate create = %v, want ErrAlreadySubscribed", err)
	}
	// Same streamer, different channel: fine.
	if _, err := svc.CreateSubscription(ctx, "g1", "chan-2", "alpha", "tester", nil); err != nil {
		t.Fatalf("second channel create: %v", err)
	}
}

func TestServiceCreateSubscriptionUnknownLogin(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	if _, err := svc.CreateSubscription(ctx, "g1", "chan-1", "nobody", "tester", nil); !errors.Is(err, ErrStreamerNotFound) {
		t.Fatalf("create for unknown login = %v, want ErrStreamerNotFound", err)
	}
}

func TestServiceRemoveLastSubscriptionUnwatches(t *testing.T) {
	ctx := context.Background()
	svc, eng := newTestService(t)
	eng.plat.users["alpha"] = twitchapi.User{ID: "u1", Login: "alpha", DisplayName: "Alpha"}
	sub, err := svc.CreateSubscription(ctx, "g1", "chan-1", "alpha", "tester", nil)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	if err := svc.RemoveSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("RemoveSubscription: %v", err)
	}
	if snap := eng.poller.Snapshot(); len(snap.Watching) != 0 {
		t.Fatalf("watch set = %v, want empty after last removal", snap.Watching)
	}
	if _, err := eng.st.GetStreamer(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("orphaned streamer should be deleted, got %v", err)
	}
}

func TestServiceRemoveKeepsStreamerWithOtherSubscriptions(t *testing.T) {
	ctx := context.Background()
	svc, eng := newTestService(t)
	eng.plat.users["alpha"] = twitchapi.User{ID: "u1", Login: "alpha", DisplayName: "Alpha"}
	first, _ := svc.CreateSubscription(ctx, "g1", "chan-1", "alpha", "tester", nil)
	if _, err := svc.CreateSubscription(ctx, "g1", "chan-2", "alpha", "tester", nil); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	if err := svc.RemoveSubscription(ctx, first.ID); err != nil {
		t.Fatalf("RemoveSubscription: %v", err)
	}
	if snap := eng.poller.Snapshot(); len(snap.Watching) != 1 {
		t.Fatalf("watch set = %v, want [alpha] kept", snap.Watching)
	}
	if _, err := eng.st.GetStreamer(ctx, "u1"); err != nil {
		t.Fatalf("streamer should survive while subscriptions remain: %v", err)
	}
}

func TestServiceUpdateSetting(t *testing.T) {
	ctx := context.Background()
	svc, eng := newTestService(t)
	eng.plat.users["alpha"] = twitchapi.User{ID: "u1", Login: "alpha", DisplayName: "Alpha"}
	sub, _ := svc.CreateSubscription(ctx, "g1", "chan-1", "alpha", "tester", nil)

	tmpl := `{"content":"{display_name} live!"}`
	cases := []struct {
		name  string
		value SettingValue
		check func(*store.Subscription) bool
	}{
		{"pause", SettingValue{Kind: SettingPaused, Bool: true}, func(s *store.Subscription) bool { return s.Paused }},
		{"end_delete", SettingValue{Kind: SettingEndDelete, Bool: true}, func(s *store.Subscription) bool { return s.EndDelete }},
		{"live_message", SettingValue{Kind: SettingLiveMessage, Text: &tmpl}, func(s *store.Subscription) bool { return s.LiveMessage != nil && *s.LiveMessage == tmpl }},
		{"end_message", SettingValue{Kind: SettingEndMessage, Text: &tmpl}, func(s *store.Subscription) bool { return s.EndMessage != nil }},
		{"channel", SettingValue{Kind: SettingChannel, Text: strptr("chan-9")}, func(s *store.Subscription) bool { return s.ChannelID == "chan-9" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := svc.UpdateSetting(ctx, sub.ID, tc.value); err != nil {
				t.Fatalf("UpdateSetting: %v", err)
			}
			if !tc.check(eng.st.sub(sub.ID)) {
				t.Fatalf("setting %s not applied", tc.name)
			}
		})
	}
}

func TestServiceUpdateSettingValidation(t *testing.T) {
	ctx := context.Background()
	svc, eng := newTestService(t)
	eng.plat.users["alpha"] = twitchapi.User{ID: "u1", Login: "alpha", DisplayName: "Alpha"}
	sub, _ := svc.CreateSubscription(ctx, "g1", "chan-1", "alpha", "tester", nil)

	bad := `{"content": unterminated`
	if err := svc.UpdateSetting(ctx, sub.ID, SettingValue{Kind: SettingLiveMessage, Text: &bad}); err == nil {
		t.Fatal("invalid template must be rejected")
	}
	if err := svc.UpdateSetting(ctx, sub.ID, SettingValue{Kind: SettingChannel, Text: nil}); err == nil {
		t.Fatal("empty channel must be rejected")
	}
	if err := svc.UpdateSetting(ctx, sub.ID, SettingValue{Kind: "bogus"}); err == nil {
		t.Fatal("unknown setting must be rejected")
	}
	if err := svc.UpdateSetting(ctx, 999, SettingValue{Kind: SettingPaused, Bool: true}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing subscription = %v, want ErrNotFound", err)
	}
}

func strptr(s string) *string { return &s }
