// Package backend is the REST client for the remote administration backend.
//
// It lists homes, fetches a home's device registry and permission bundle,
// and posts commands when the command path is configured as "rest". Every
// request carries the configured access token as a bearer credential.
// Idempotent requests are retried with exponential backoff on 429 and 5xx
// responses.
//
// The client implements command.Sender and permission.Fetcher, so the
// session can hand it straight to the tracker and the evaluator.
package backend
