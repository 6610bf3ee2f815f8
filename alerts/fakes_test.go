package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/onnwee/stream-alerts/store"
	"github.com/onnwee/stream-alerts/telemetry"
	"github.com/onnwee/stream-alerts/twitchapi"
)

func init() {
	telemetry.Init()
}

// fakeStore is an in-memory Store for engine tests.
type fakeStore struct {
	mu         sync.Mutex
	streamers  map[string]*store.Streamer
	subs       map[int64]*store.Subscription
	streams    map[int64]*store.Stream
	alerts     map[int64]*store.Alert
	nextSubID  int64
	nextStrmID int64
	nextAlrtID int64
	heartbeats int

	failListSubs error

	// createStreamHook, when set, runs at the start of CreateStream so tests
	// can interleave watch-set changes with an in-flight start transition.
	createStreamHook func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		streamers: make(map[string]*store.Streamer),
		subs:      make(map[int64]*store.Subscription),
		streams:   make(map[int64]*store.Stream),
		alerts:    make(map[int64]*store.Alert),
	}
}

func (f *fakeStore) GetOrCreateStreamer(_ context.Context, userID, login, display string) (*store.Streamer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &store.Streamer{UserID: userID, LoginName: login, DisplayName: display}
	f.streamers[userID] = s
	return s, nil
}

func (f *fakeStore) GetStreamer(_ context.Context, userID string) (*store.Streamer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streamers[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) DeleteStreamerIfOrphaned(_ context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.StreamerID == userID {
			return false, nil
		}
	}
	if _, ok := f.streamers[userID]; !ok {
		return false, nil
	}
	delete(f.streamers, userID)
	return true, nil
}

func (f *fakeStore) CreateSubscription(_ context.Context, guildID, channelID, streamerID, createdBy string, liveMessage *string) (*store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.ChannelID == channelID && sub.StreamerID == streamerID {
			return nil, store.ErrDuplicate
		}
	}
	f.nextSubID++
	sub := &store.Subscription{
		ID:          f.nextSubID,
		GuildID:     guildID,
		ChannelID:   channelID,
		StreamerID:  streamerID,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
		LiveMessage: liveMessage,
	}
	f.subs[sub.ID] = sub
	return sub, nil
}

func (f *fakeStore) GetSubscription(_ context.Context, id int64) (*store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeStore) ListSubscriptions(_ context.Context) ([]*store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failListSubs != nil {
		return nil, f.failListSubs
	}
	out := make([]*store.Subscription, 0, len(f.subs))
	for _, sub := range f.subs {
		cp := *sub
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) ListSubscriptionsByStreamer(_ context.Context, streamerID string) ([]*store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Subscription
	for _, sub := range f.subs {
		if sub.StreamerID == streamerID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) ListSubscriptionsByGuild(_ context.Context, guildID string) ([]*store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Subscription
	for _, sub := range f.subs {
		if sub.GuildID == guildID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) setSub(id int64, fn func(*store.Subscription)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(sub)
	return nil
}

func (f *fakeStore) SetSubscriptionPaused(_ context.Context, id int64, paused bool) error {
	return f.setSub(id, func(s *store.Subscription) { s.Paused = paused })
}

func (f *fakeStore) SetSubscriptionEndDelete(_ context.Context, id int64, endDelete bool) error {
	return f.setSub(id, func(s *store.Subscription) { s.EndDelete = endDelete })
}

func (f *fakeStore) SetSubscriptionLiveMessage(_ context.Context, id int64, tmpl *string) error {
	return f.setSub(id, func(s *store.Subscription) { s.LiveMessage = tmpl })
}

func (f *fakeStore) SetSubscriptionEndMessage(_ context.Context, id int64, tmpl *string) error {
	return f.setSub(id, func(s *store.Subscription) { s.EndMessage = tmpl })
}

func (f *fakeStore) SetSubscriptionChannel(_ context.Context, id int64, channelID string) error {
	return f.setSub(id, func(s *store.Subscription) { s.ChannelID = channelID })
}

func (f *fakeStore) DeleteSubscription(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.subs, id)
	return nil
}

func (f *fakeStore) IncrementSubscriptionErrors(_ context.Context, id int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	sub.ErrorCount++
	return sub.ErrorCount, nil
}

func (f *fakeStore) ResetSubscriptionErrors(_ context.Context, id int64) error {
	return f.setSub(id, func(s *store.Subscription) { s.ErrorCount = 0 })
}

func (f *fakeStore) CreateStream(_ context.Context, streamerID string, startedAt time.Time, twitchStreamID, gameName, title string) (*store.Stream, error) {
	if f.createStreamHook != nil {
		f.createStreamHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextStrmID++
	s := &store.Stream{
		ID:             f.nextStrmID,
		StreamerID:     streamerID,
		StartedAt:      startedAt,
		TwitchStreamID: twitchStreamID,
		GameName:       gameName,
		Title:          title,
	}
	f.streams[s.ID] = s
	return s, nil
}

func (f *fakeStore) EndStream(_ context.Context, streamID int64, endedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[streamID]
	if !ok {
		return store.ErrNotFound
	}
	if s.EndedAt == nil {
		s.EndedAt = &endedAt
	}
	return nil
}

func (f *fakeStore) ListOpenStreams(_ context.Context) ([]*store.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Stream
	for _, s := range f.streams {
		if s.EndedAt == nil {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateAlert(_ context.Context, streamID, subscriptionID int64, sentAt time.Time, messageID string) (*store.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.StreamID == streamID && a.SubscriptionID == subscriptionID {
			return nil, store.ErrDuplicate
		}
	}
	f.nextAlrtID++
	a := &store.Alert{
		ID:             f.nextAlrtID,
		StreamID:       streamID,
		SubscriptionID: subscriptionID,
		SentAt:         sentAt,
		MessageID:      messageID,
	}
	f.alerts[a.ID] = a
	return a, nil
}

func (f *fakeStore) GetAlert(_ context.Context, streamID, subscriptionID int64) (*store.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.StreamID == streamID && a.SubscriptionID == subscriptionID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ResolveAlert(_ context.Context, alertID int64, resolvedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[alertID]
	if !ok {
		return store.ErrNotFound
	}
	if a.ResolvedAt == nil {
		a.ResolvedAt = &resolvedAt
	}
	return nil
}

func (f *fakeStore) TouchHeartbeat(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeStore) alertFor(streamID, subID int64) *store.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.StreamID == streamID && a.SubscriptionID == subID {
			cp := *a
			return &cp
		}
	}
	return nil
}

func (f *fakeStore) sub(id int64) *store.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.subs[id]
	return &cp
}

// sentMessage is one message delivered to the fake messenger.
type sentMessage struct {
	channelID string
	doc       map[string]any
	deleted   bool
	edits     int
}

// fakeMessenger records message traffic and can simulate failures.
type fakeMessenger struct {
	mu       sync.Mutex
	nextID   int
	messages map[string]*sentMessage // message id -> message

	caps        Capabilities
	capsErr     error
	sendErr     map[string]error // channel id -> forced Send error
	deleteErr   error
	locateMiss  map[string]bool // message id -> pretend deleted externally
	sendCalls   int
	locateCalls int
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		messages:   make(map[string]*sentMessage),
		caps:       Capabilities{CanSend: true, CanEmbed: true},
		sendErr:    make(map[string]error),
		locateMiss: make(map[string]bool),
	}
}

func (m *fakeMessenger) Capabilities(_ context.Context, _ string) (Capabilities, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capsErr != nil {
		return Capabilities{}, m.capsErr
	}
	return m.caps, nil
}

func (m *fakeMessenger) Send(_ context.Context, channelID string, doc map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls++
	if err := m.sendErr[channelID]; err != nil {
		return "", err
	}
	m.nextID++
	id := fmt.Sprintf("msg-%d", m.nextID)
	m.messages[id] = &sentMessage{channelID: channelID, doc: doc}
	return id, nil
}

func (m *fakeMessenger) Edit(_ context.Context, _ string, messageID string, doc map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return NewDeliveryError(DeliveryNotFound, "edit", fmt.Errorf("unknown message %s", messageID))
	}
	msg.doc = doc
	msg.edits++
	return nil
}

func (m *fakeMessenger) Delete(_ context.Context, _ string, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	msg, ok := m.messages[messageID]
	if !ok {
		return NewDeliveryError(DeliveryNotFound, "delete", fmt.Errorf("unknown message %s", messageID))
	}
	msg.deleted = true
	return nil
}

func (m *fakeMessenger) Locate(_ context.Context, _ string, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locateCalls++
	if m.locateMiss[messageID] {
		return false, nil
	}
	msg, ok := m.messages[messageID]
	return ok && !msg.deleted, nil
}

func (m *fakeMessenger) message(id string) *sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[id]
}

func (m *fakeMessenger) sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendCalls
}

// fakePlatform serves canned live state and user lookups.
type fakePlatform struct {
	mu      sync.Mutex
	live    map[string]twitchapi.LiveStream // user id -> stream
	users   map[string]twitchapi.User       // login -> user
	err     error
	queried [][]string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		live:  make(map[string]twitchapi.LiveStream),
		users: make(map[string]twitchapi.User),
	}
}

func (p *fakePlatform) GetStreams(_ context.Context, userIDs []string) ([]twitchapi.LiveStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, len(userIDs))
	copy(ids, userIDs)
	p.queried = append(p.queried, ids)
	if p.err != nil {
		return nil, p.err
	}
	var out []twitchapi.LiveStream
	for _, id := range userIDs {
		if ls, ok := p.live[id]; ok {
			out = append(out, ls)
		}
	}
	return out, nil
}

func (p *fakePlatform) GetUserByLogin(_ context.Context, login string) (*twitchapi.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	u, ok := p.users[login]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (p *fakePlatform) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakePlatform) queries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queried)
}

func (p *fakePlatform) setLive(userID string, ls twitchapi.LiveStream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live[userID] = ls
}

func (p *fakePlatform) setOffline(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, userID)
}
