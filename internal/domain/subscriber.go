package domain

import "time"

// Subscriber is a newsletter list member keyed by lower-cased email.
// Records are never deleted; unsubscribing flips Active.
type Subscriber struct {
	Email          string     `json:"email"`
	SubscribedAt   time.Time  `json:"subscribedAt"`
	Active         bool       `json:"active"`
	UnsubscribedAt *time.Time `json:"unsubscribedAt,omitempty"`
}

// Deactivate marks the subscriber as unsubscribed at the given time.
func (s *Subscriber) Deactivate(at time.Time) {
	s.Active = false
	s.UnsubscribedAt = &at
}
