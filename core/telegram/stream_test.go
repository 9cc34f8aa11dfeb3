package telegram

import (
	"reflect"
	"testing"

	tele "gopkg.in/telebot.v4"
)

func textUpdate(id int) tele.Update {
	return tele.Update{ID: id, Message: &tele.Message{Text: "hi"}}
}

func TestStreamDeliversInSubscriptionOrder(t *testing.T) {
	s := NewStream()

	var order []string
	s.Subscribe(nil, func(tele.Update) { order = append(order, "first") })
	s.Subscribe(nil, func(tele.Update) { order = append(order, "second") })
	s.Subscribe(nil, func(tele.Update) { order = append(order, "third") })

	s.Publish(textUpdate(1))

	want := []string{"first", "second", "third"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("delivery order = %v, want %v", order, want)
	}
}

func TestStreamFilter(t *testing.T) {
	s := NewStream()

	var got []int
	s.Subscribe(func(u tele.Update) bool { return u.ID%2 == 0 }, func(u tele.Update) {
		got = append(got, u.ID)
	})

	for id := 1; id <= 4; id++ {
		s.Publish(textUpdate(id))
	}
	if want := []int{2, 4}; !reflect.DeepEqual(got, want) {
		t.Fatalf("filtered ids = %v, want %v", got, want)
	}
}

func TestStreamUnsubscribe(t *testing.T) {
	s := NewStream()

	var first, second int
	sub := s.Subscribe(nil, func(tele.Update) { first++ })
	s.Subscribe(nil, func(tele.Update) { second++ })

	s.Publish(textUpdate(1))
	s.Unsubscribe(sub)
	s.Publish(textUpdate(2))

	if first != 1 {
		t.Fatalf("unsubscribed fn fired %d times, want 1", first)
	}
	if second != 2 {
		t.Fatalf("remaining fn fired %d times, want 2", second)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestStreamUnsubscribeUnknown(t *testing.T) {
	s := NewStream()
	s.Subscribe(nil, func(tele.Update) {})
	s.Unsubscribe(999)
	s.Unsubscribe(0)
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestStreamNilHandlerRejected(t *testing.T) {
	s := NewStream()
	if sub := s.Subscribe(nil, nil); sub != 0 {
		t.Fatalf("nil handler subscription = %d, want 0", sub)
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
}

func TestStreamSubscribeDuringPublish(t *testing.T) {
	s := NewStream()

	var late int
	s.Subscribe(nil, func(tele.Update) {
		// Subscriptions made mid-delivery only see later updates.
		s.Subscribe(nil, func(tele.Update) { late++ })
	})

	s.Publish(textUpdate(1))
	if late != 0 {
		t.Fatal("mid-delivery subscriber must not see the current update")
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
}

func TestStreamRoutesCoverConversationEndpoints(t *testing.T) {
	s := NewStream()
	routes := StreamRoutes(s)
	if len(routes) != len(streamEndpoints) {
		t.Fatalf("got %d routes, want %d", len(routes), len(streamEndpoints))
	}
	seen := make(map[any]bool)
	for _, r := range routes {
		seen[r.Endpoint] = true
		if r.Handler == nil {
			t.Fatalf("route %q has nil handler", r.Endpoint)
		}
	}
	for _, endpoint := range []string{tele.OnText, tele.OnEdited, tele.OnChannelPost} {
		if !seen[endpoint] {
			t.Fatalf("missing route for %q", endpoint)
		}
	}
}
