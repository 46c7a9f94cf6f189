package alerting

import "time"

// Decision is what a status transition asks of the notifier.
type Decision struct {
	Notify     bool
	Resolution bool // true when the notification announces recovery
}

// Transition applies a freshly observed status to the alert's state and
// returns the notification decision. Notifications are edge-triggered: a
// message fires on the edge into ALERT and on the edge back to OK; repeated
// ALERT observations are deduplicated. ERROR observations never notify and
// leave the counters untouched so an upstream outage cannot page anyone.
func Transition(st *State, observed Status, now time.Time) Decision {
	prior := st.CurrentStatus

	if observed == StatusError {
		st.CurrentStatus = StatusError
		return Decision{}
	}

	// A run that recovers from ERROR is judged as if the alert were new.
	if prior == StatusError {
		prior = StatusUnknown
	}

	switch observed {
	case StatusOK:
		st.CurrentStatus = StatusOK
		st.ConsecutiveOKs++
		st.ConsecutiveAlerts = 0
		if prior == StatusAlert {
			st.ConsecutiveOKs = 1
			return Decision{Notify: true, Resolution: true}
		}
		return Decision{}

	case StatusAlert:
		st.CurrentStatus = StatusAlert
		if prior == StatusAlert {
			st.ConsecutiveAlerts++
			return Decision{}
		}
		st.ConsecutiveAlerts = 1
		st.ConsecutiveOKs = 0
		st.LastAlertAt = &now
		return Decision{Notify: true}
	}

	return Decision{}
}
