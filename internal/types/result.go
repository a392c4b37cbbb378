package types

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Error kinds. Component errors wrap one of these so callers can use errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrValidation    = errors.New("validation error")
	ErrExecution     = errors.New("execution error")
	ErrState         = errors.New("state error")
)

type ResultStatus string

const (
	ResultFilled                ResultStatus = "filled"
	ResultPending               ResultStatus = "pending"
	ResultRejected              ResultStatus = "rejected"
	ResultCancelled             ResultStatus = "cancelled"
	ResultFailed                ResultStatus = "failed"
	ResultIgnored               ResultStatus = "ignored"
	ResultRejectedRisk          ResultStatus = "rejected_risk"
	ResultRejectedRiskAdjusted0 ResultStatus = "rejected_risk_adjusted_to_zero"
)

// ExecutionResult is the status+message form every pipeline stage reports in
type ExecutionResult struct {
	Status         ResultStatus    `json:"status"`
	OrderID        string          `json:"order_id,omitempty"`
	Message        string          `json:"message"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	FilledPrice    decimal.Decimal `json:"filled_price"`
}
