package model

// Weekdays lists histogram bucket names, Monday first.
var Weekdays = [7]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

// TrafficDay is one bucket of the weekly traffic histogram.
type TrafficDay struct {
	Name     string `json:"name"`
	Sent     int    `json:"sent"`
	Received int    `json:"received"`
}

// DashboardStats is the counter snapshot shown on the dashboard. The *Change
// fields are percentage deltas against the previous ISO week.
type DashboardStats struct {
	MessageSent     int     `json:"messageSent"`
	MessageReceived int     `json:"messageReceived"`
	WebhookEvents   int     `json:"webhookEvents"`
	APICalls        int     `json:"apiCalls"`
	SentChange      float64 `json:"sentChange"`
	ReceivedChange  float64 `json:"receivedChange"`
	WebhookChange   float64 `json:"webhookChange"`
	APICallsChange  float64 `json:"apiCallsChange"`

	WeeklyTraffic [7]TrafficDay `json:"weeklyTraffic"`
}

// NewDashboardStats returns zeroed stats with named histogram buckets.
func NewDashboardStats() DashboardStats {
	var st DashboardStats
	for i, name := range Weekdays {
		st.WeeklyTraffic[i] = TrafficDay{Name: name}
	}
	return st
}
