// Package chat implements the generate round trip: it validates the caller's
// message, loads the session history, optionally enriches the prompt with the
// caller's wallet balance, calls the completion provider and records the
// exchange.
package chat
