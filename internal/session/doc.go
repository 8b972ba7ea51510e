// Package session keeps per-session conversation history used to give the
// completion model memory of earlier turns. Each session holds at most
// MaxEntries raw entries; the oldest entries are dropped first.
package session
