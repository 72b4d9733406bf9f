// Package domain contains the core types shared by the newsletter packages.
package domain

import "time"

// DigestItem is one post listed in a digest email.
type DigestItem struct {
	Title   string
	Excerpt string
	URL     string
	Date    time.Time
	Author  string
}

// DigestOutcome describes how a digest run ended.
type DigestOutcome string

const (
	DigestOutcomeSent           DigestOutcome = "sent"
	DigestOutcomeNotEnoughPosts DigestOutcome = "not_enough_posts"
	DigestOutcomeNoSubscribers  DigestOutcome = "no_subscribers"
	DigestOutcomeInProgress     DigestOutcome = "in_progress"
)
