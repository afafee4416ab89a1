package models

import "time"

type FlowStage string

const (
	StageScanning   FlowStage = "SCANNING"
	StageConfirming FlowStage = "CONFIRMING"
)

const (
	PlaceholderMerchantID   = "unknown@upi"
	PlaceholderMerchantName = "Merchant"
)

// PaymentIntent is the structured form of a scanned payment code.
// Amount is nil when the payload carried none; it is an opaque numeric string.
type PaymentIntent struct {
	MerchantID   string  `json:"merchant_id"`
	MerchantName string  `json:"merchant_name"`
	Amount       *string `json:"amount"`
	Note         string  `json:"note,omitempty"`
	Currency     string  `json:"currency,omitempty"`
	RawPayload   string  `json:"raw_payload"`
}

const ReasonUnsupportedScheme = "unsupported-scheme"

type ParseFailure struct {
	Reason string `json:"reason"`
}

// PaymentSource is an account the user can pay from.
type PaymentSource struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Bank      string `json:"bank"`
	IsDefault bool   `json:"is_default,omitempty"`
}

// PaymentSubmission is handed to the external submission collaborator on confirm.
type PaymentSubmission struct {
	SubmissionID    string    `json:"submission_id"`
	MerchantName    string    `json:"merchant_name"`
	MerchantID      string    `json:"merchant_id"`
	Amount          string    `json:"amount"`
	Note            string    `json:"note"`
	PaymentSourceID string    `json:"payment_source_id"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

type SubmissionAck struct {
	Status       string `json:"status"`
	SubmissionID string `json:"submission_id"`
	Reason       string `json:"reason,omitempty"`
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

type Notification struct {
	Seq       uint64    `json:"seq"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// Remediation tells the UI which action can clear a terminal failure.
type Remediation string

const (
	RemediationNone             Remediation = ""
	RemediationManualRetry      Remediation = "manual_retry"
	RemediationToggleFacingMode Remediation = "toggle_facing_mode"
	RemediationResetPermission  Remediation = "reset_permission"
)

type FailureInfo struct {
	Kind         ErrorKind   `json:"kind"`
	Message      string      `json:"message"`
	Remediation  Remediation `json:"remediation"`
	RetryAllowed bool        `json:"retry_allowed"`
	OccurredAt   time.Time   `json:"occurred_at"`
}

// Prefill holds the editable confirmation form values.
type Prefill struct {
	Amount string `json:"amount"`
	Note   string `json:"note"`
}

type FlowSnapshot struct {
	FlowID           string          `json:"flow_id"`
	Stage            FlowStage       `json:"stage"`
	SessionState     SessionState    `json:"session_state"`
	Permission       PermissionState `json:"permission"`
	Config           ScanConfig      `json:"config"`
	Intent           *PaymentIntent  `json:"intent,omitempty"`
	Prefill          Prefill         `json:"prefill"`
	Failure          *FailureInfo    `json:"failure,omitempty"`
	RetryPending     bool            `json:"retry_pending"`
	Budget           RetryBudget     `json:"retry_budget"`
	Sources          []PaymentSource `json:"payment_sources"`
	SelectedSourceID string          `json:"selected_source_id"`
}

// ScanEvent is one audited flow transition.
type ScanEvent struct {
	ID         int64     `json:"id"`
	FlowID     string    `json:"flow_id"`
	Event      string    `json:"event"`
	FromStage  FlowStage `json:"from_stage"`
	ToStage    FlowStage `json:"to_stage"`
	MerchantID string    `json:"merchant_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
