package telegram

import (
	"sync"

	"github.com/rwxkit/stagebot/core/stage"
	tele "gopkg.in/telebot.v4"
)

type streamSub struct {
	id     stage.Subscription
	filter func(tele.Update) bool
	fn     func(tele.Update)
}

// Stream fans inbound updates out to subscribers in subscription order.
// It implements stage.Source. Delivery is serialized: Publish processes
// one update to completion before the next, so subscribers observe
// arrival order.
type Stream struct {
	mu      sync.Mutex
	deliver sync.Mutex
	nextID  stage.Subscription
	subs    []streamSub
}

// NewStream creates an empty update stream.
func NewStream() *Stream {
	return &Stream{}
}

// Subscribe registers fn for every update accepted by filter. A nil
// filter accepts everything. The returned handle cancels the
// subscription via Unsubscribe.
func (s *Stream) Subscribe(filter func(tele.Update) bool, fn func(tele.Update)) stage.Subscription {
	if fn == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.subs = append(s.subs, streamSub{id: s.nextID, filter: filter, fn: fn})
	return s.nextID
}

// Unsubscribe removes the subscription identified by sub. Unknown
// handles are ignored.
func (s *Stream) Unsubscribe(sub stage.Subscription) {
	if sub == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, entry := range s.subs {
		if entry.id == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the update to all current subscribers, each filter
// permitting, one subscriber at a time.
func (s *Stream) Publish(u tele.Update) {
	s.mu.Lock()
	snapshot := append([]streamSub(nil), s.subs...)
	s.mu.Unlock()

	s.deliver.Lock()
	defer s.deliver.Unlock()
	for _, entry := range snapshot {
		if entry.filter != nil && !entry.filter(u) {
			continue
		}
		entry.fn(u)
	}
}

// Len reports the number of live subscriptions.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// streamEndpoints lists the telebot endpoints whose updates carry the
// message-like payloads stages care about.
var streamEndpoints = []string{
	tele.OnText,
	tele.OnMedia,
	tele.OnContact,
	tele.OnLocation,
	tele.OnEdited,
	tele.OnChannelPost,
	tele.OnEditedChannelPost,
}

// StreamRoutes builds routes that feed conversation-relevant updates
// into the stream.
func StreamRoutes(s *Stream) []Route {
	routes := make([]Route, 0, len(streamEndpoints))
	for _, endpoint := range streamEndpoints {
		routes = append(routes, Route{
			Endpoint: endpoint,
			Handler: func(c tele.Context) error {
				s.Publish(c.Update())
				return nil
			},
		})
	}
	return routes
}
