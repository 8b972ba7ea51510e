// Package llm defines the completion client contract used by the chat
// handler. Provider adapters live in sub-packages and translate their
// transport failures into UpstreamError values.
package llm
