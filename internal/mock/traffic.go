package mock

import (
	"fmt"
	"time"

	"github.com/wa-gateway/backend/internal/session"
)

type mockContact struct {
	chat    string
	sender  string
	name    string
	avatar  string
	pattern string
	period  int
	phrases []string
	next    int
}

var smallTalk = []string{
	"Hey, are you around?",
	"Can you send me the invoice?",
	"Thanks!",
	"Running 10 minutes late",
	"See you tomorrow",
	"👍",
}

func defaultContacts() []*mockContact {
	return []*mockContact{
		{
			chat: "15550000001@s.whatsapp.net", name: "Alice Martin",
			avatar: "https://i.pravatar.cc/150?img=47", pattern: "steady", period: 12,
			phrases: smallTalk,
		},
		{
			chat: "15550000002@s.whatsapp.net", name: "Bob Okafor",
			avatar: "https://i.pravatar.cc/150?img=12", pattern: "burst", period: 30,
			phrases: []string{"ok so", "quick question", "never mind, found it"},
		},
		{
			// No avatar: exercises the placeholder path.
			chat: "15550000003@s.whatsapp.net", name: "Carol",
			pattern: "quiet", period: 50,
			phrases: []string{"Is the order shipped?", "What are your opening hours?"},
		},
		{
			chat: "120363000000001@g.us", sender: "15550000004@s.whatsapp.net", name: "Dan (Weekend Trip)",
			avatar: "https://i.pravatar.cc/150?img=33", pattern: "methodical", period: 20,
			phrases: []string{"Day 1: hiking", "Day 2: lake", "Day 3: drive back"},
		},
	}
}

// traffic returns the inbound messages due at the current tick.
func (a *Adapter) traffic() []session.AdapterEvent {
	var out []session.AdapterEvent
	for _, c := range a.contacts {
		n := a.messagesFor(c)
		for i := 0; i < n; i++ {
			out = append(out, a.inbound(c))
		}
	}
	return out
}

func (a *Adapter) messagesFor(c *mockContact) int {
	elapsed := a.tick - a.linkedAt
	switch c.pattern {
	case "steady", "methodical":
		if elapsed > 0 && elapsed%c.period == 0 {
			return 1
		}
	case "burst":
		if elapsed > 0 && elapsed%c.period == 0 {
			return 1 + a.rng.Intn(3)
		}
	case "quiet":
		if a.rng.Intn(c.period) == 0 {
			return 1
		}
	}
	return 0
}

func (a *Adapter) inbound(c *mockContact) session.AdapterEvent {
	var text string
	if c.pattern == "methodical" {
		text = c.phrases[c.next%len(c.phrases)]
		c.next++
	} else {
		text = c.phrases[a.rng.Intn(len(c.phrases))]
	}
	sender := c.sender
	if sender == "" {
		sender = c.chat
	}
	return session.AdapterEvent{
		Kind:       session.MessageReceived,
		ChatID:     c.chat,
		SenderID:   sender,
		SenderName: c.name,
		Text:       text,
		MessageID:  fmt.Sprintf("MOCKIN%d%04d", a.tick, a.rng.Intn(10000)),
		Timestamp:  time.Now(),
	}
}
