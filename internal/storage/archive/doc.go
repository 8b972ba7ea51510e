// Package archive keeps a write-only audit transcript of successful
// exchanges. Records are never read back into session memory.
package archive
