// Package notify decides which incoming messages raise a local alert,
// across every conversation the user belongs to.
package notify

import "github.com/matheus3301/chatsync/internal/timeline"

// Tracker holds the notification baseline of one conversation.
type Tracker struct {
	userID        string
	baseline      timeline.Key
	lastAlertedID string
}

// NewTracker starts at baseline, the conversation's newest known message at
// subscribe time, so existing history never alerts.
func NewTracker(userID string, baseline timeline.Key) *Tracker {
	return &Tracker{userID: userID, baseline: baseline}
}

// Baseline returns the newest message seen so far.
func (t *Tracker) Baseline() timeline.Key {
	return t.baseline
}

// Observe feeds the newest message of a live-tail delivery and reports
// whether it qualifies for an alert. The baseline advances whether or not
// the caller shows the alert.
func (t *Tracker) Observe(newest timeline.Message) bool {
	if !newest.Valid() {
		return false
	}
	qualifies := newest.ID != t.lastAlertedID &&
		newest.Timestamp > t.baseline.Timestamp &&
		newest.SenderID != t.userID
	if t.baseline.Less(newest.Key()) {
		t.baseline = newest.Key()
	}
	if qualifies {
		t.lastAlertedID = newest.ID
	}
	return qualifies
}
