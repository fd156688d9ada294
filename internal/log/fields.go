// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID       = "request_id"
	FieldClientRequestID = "client_request_id"
	FieldItemID          = "item_id"
	FieldExecutionID     = "execution_id"
	FieldJobID           = "job_id"
	FieldEncoderID       = "encoder_id"
	FieldDownloadID      = "download_id"
	FieldTemplateID      = "template_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStep      = "step"
	FieldStepType  = "step_type"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"

	// Path fields
	FieldPath       = "path"
	FieldInputPath  = "input_path"
	FieldOutputPath = "output_path"
)
