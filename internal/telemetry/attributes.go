// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared across spans.
const (
	ChannelIDKey   = "tgcast.channel_id"
	AccountIDKey   = "tgcast.account_id"
	ItemIDKey      = "tgcast.item_id"
	SourceKindKey  = "tgcast.source_kind"
	StreamStateKey = "tgcast.stream_state"
	QueueLengthKey = "tgcast.queue_length"
	TriggerIDKey   = "tgcast.trigger_id"
	ErrorKindKey   = "error.kind"
)

// ChannelAttributes tags a span with the channel identity.
func ChannelAttributes(channelID, accountID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if channelID != "" {
		attrs = append(attrs, attribute.String(ChannelIDKey, channelID))
	}
	if accountID != "" {
		attrs = append(attrs, attribute.String(AccountIDKey, accountID))
	}
	return attrs
}

// ItemAttributes tags a span with the playlist item being handled.
func ItemAttributes(itemID, sourceKind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ItemIDKey, itemID),
		attribute.String(SourceKindKey, sourceKind),
	}
}

// ErrorAttributes tags a failed span with the taxonomy kind.
func ErrorAttributes(kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool("error", true),
		attribute.String(ErrorKindKey, kind),
	}
}
