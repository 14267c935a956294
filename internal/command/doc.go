// Package command issues entity commands optimistically.
//
// Tracker.Issue marks the entity pending, writes the intended value into
// the entity store, arms an expiry timer and only then hands the command
// to a Sender. Whichever of the authoritative update or the timer comes
// first clears the marker; the other becomes a no-op because expiry is
// keyed by the marker's token.
package command
