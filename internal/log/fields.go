// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldChannelID     = "channel_id"
	FieldAccountID     = "account_id"
	FieldItemID        = "item_id"
	FieldTriggerID     = "trigger_id"
	FieldSubscriberID  = "subscriber_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldHandle    = "handle"

	// Media / stream fields
	FieldCodec   = "codec"
	FieldEncoder = "encoder"
	FieldSource  = "source"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"
)
