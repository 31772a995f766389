package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestConnectionStateMarshalJSON(t *testing.T) {
	tests := []struct {
		state    ConnectionState
		expected string
	}{
		{Disconnected, `"DISCONNECTED"`},
		{Pairing, `"PAIRING"`},
		{Connected, `"CONNECTED"`},
		{Errored, `"ERROR"`},
	}

	for _, tt := range tests {
		data, err := json.Marshal(tt.state)
		if err != nil {
			t.Errorf("Marshal(%v) error: %v", tt.state, err)
			continue
		}
		if string(data) != tt.expected {
			t.Errorf("Marshal(%v) = %s, want %s", tt.state, data, tt.expected)
		}
	}
}

func TestConnectionStateUnmarshalJSON(t *testing.T) {
	var s ConnectionState
	if err := json.Unmarshal([]byte(`"CONNECTED"`), &s); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if s != Connected {
		t.Errorf("got %v, want CONNECTED", s)
	}
	if err := json.Unmarshal([]byte(`"BOGUS"`), &s); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestConnectionStateString_Unknown(t *testing.T) {
	if got := ConnectionState(42).String(); got != "UNKNOWN" {
		t.Errorf("String() = %q, want UNKNOWN", got)
	}
}

func TestDirectionJSON(t *testing.T) {
	data, _ := json.Marshal(Message{ID: "1", Sender: Inbound, Status: StatusRead})
	if !strings.Contains(string(data), `"sender":"them"`) {
		t.Errorf("inbound message JSON = %s", data)
	}

	var m Message
	if err := json.Unmarshal([]byte(`{"sender":"me"}`), &m); err != nil {
		t.Fatal(err)
	}
	if m.Sender != Outbound {
		t.Errorf("sender = %v, want Outbound", m.Sender)
	}
}

func TestContactClone_IsDeep(t *testing.T) {
	c := &Contact{ID: "a", Messages: []Message{{ID: "m1", Status: StatusSent}}}
	cp := c.Clone()
	cp.Messages[0].Status = StatusRead
	cp.Name = "changed"

	if c.Messages[0].Status != StatusSent {
		t.Error("Clone shares the message slice")
	}
	if c.Name != "" {
		t.Error("Clone shares scalar fields")
	}
}

func TestContactSummary_DropsTimeline(t *testing.T) {
	c := &Contact{ID: "a", Timestamp: time.Unix(10, 0), Messages: []Message{{ID: "m1"}}}
	s := c.Summary()
	if s.Messages != nil {
		t.Errorf("Summary kept %d messages", len(s.Messages))
	}
	data, _ := json.Marshal(s)
	if strings.Contains(string(data), "messages") {
		t.Errorf("summary JSON should omit messages: %s", data)
	}
}

func TestNewDashboardStats_NamesBuckets(t *testing.T) {
	st := NewDashboardStats()
	if st.WeeklyTraffic[0].Name != "Mon" || st.WeeklyTraffic[6].Name != "Sun" {
		t.Errorf("buckets = %+v", st.WeeklyTraffic)
	}
}

func TestWebhookConfigActive(t *testing.T) {
	tests := []struct {
		cfg  WebhookConfig
		want bool
	}{
		{WebhookConfig{URL: "http://x", Enabled: true}, true},
		{WebhookConfig{URL: "http://x"}, false},
		{WebhookConfig{Enabled: true}, false},
	}
	for _, tt := range tests {
		if got := tt.cfg.Active(); got != tt.want {
			t.Errorf("%+v.Active() = %v, want %v", tt.cfg, got, tt.want)
		}
	}
}
