package inproc

import (
	"errors"
	"reflect"
	"testing"

	"flowr_agency/internal/domain"
)

func TestFanoutWithoutPeers(t *testing.T) {
	bus := New(1)
	bus.Register(3)
	delivered, err := bus.Fanout(domain.BroadcastMessage{FromAgent: 3, NodeType: "a.b.c"})
	if err != nil || len(delivered) != 0 {
		t.Fatalf("delivered=%v err=%v", delivered, err)
	}
}

func TestFanoutQueueFull(t *testing.T) {
	bus := New(1)
	inbox := bus.Register(0)
	bus.Register(1)
	if _, err := bus.Fanout(domain.BroadcastMessage{FromAgent: 1, NodeType: "a.b.c"}); err != nil {
		t.Fatalf("first fanout: %v", err)
	}
	if _, err := bus.Fanout(domain.BroadcastMessage{FromAgent: 1}); !errors.Is(err, ErrAgentQueueFull) {
		t.Fatalf("err=%v want ErrAgentQueueFull", err)
	}
	if msg := <-inbox; msg.NodeType != "a.b.c" {
		t.Fatalf("msg=%+v", msg)
	}
}

func TestFanoutSkipsSender(t *testing.T) {
	bus := New(4)
	inboxes := map[int]<-chan domain.BroadcastMessage{}
	for agent := 0; agent < 3; agent++ {
		inboxes[agent] = bus.Register(agent)
	}

	delivered, err := bus.Fanout(domain.BroadcastMessage{FromAgent: 1, NodeType: "text.null.Sleep"})
	if err != nil {
		t.Fatalf("fanout: %v", err)
	}
	if !reflect.DeepEqual(delivered, []int{0, 2}) {
		t.Fatalf("delivered=%v", delivered)
	}
	for _, agent := range delivered {
		msg := <-inboxes[agent]
		if msg.ToAgent != agent || msg.FromAgent != 1 {
			t.Fatalf("agent %d got %+v", agent, msg)
		}
	}
	if len(inboxes[1]) != 0 {
		t.Fatalf("sender received its own broadcast")
	}
}

func TestFanoutReportsFullInbox(t *testing.T) {
	bus := New(1)
	first := bus.Register(0)
	bus.Register(1)
	bus.Register(2)
	if _, err := bus.Fanout(domain.BroadcastMessage{FromAgent: 1}); err != nil {
		t.Fatalf("prefill: %v", err)
	}
	<-first

	delivered, err := bus.Fanout(domain.BroadcastMessage{FromAgent: 0})
	if !errors.Is(err, ErrAgentQueueFull) {
		t.Fatalf("err=%v want ErrAgentQueueFull", err)
	}
	if !reflect.DeepEqual(delivered, []int{1}) {
		t.Fatalf("delivered=%v", delivered)
	}
}

func TestUnregisterClosesInbox(t *testing.T) {
	bus := New(1)
	inbox := bus.Register(5)
	bus.Unregister(5)
	if _, ok := <-inbox; ok {
		t.Fatalf("inbox still open")
	}
	bus.Register(6)
	if delivered, err := bus.Fanout(domain.BroadcastMessage{FromAgent: 6}); err != nil || len(delivered) != 0 {
		t.Fatalf("delivered=%v err=%v", delivered, err)
	}
	bus.Unregister(5)
}
