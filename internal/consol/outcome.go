package consol

import (
	"errors"
	"fmt"
)

// Smart codes tag each successful stage for traceability.
const (
	SmartCodePrepare   = "CONSOL.PREP.RUN"
	SmartCodeEliminate = "CONSOL.ELIM.TXN"
	SmartCodeTranslate = "CONSOL.TRANSLATE.TXN"
	SmartCodeAggregate = "CONSOL.AGGREGATE.TXN"
	SmartCodeReconcile = "CONSOL.RECONCILE.TXN"
)

// ErrorCode identifies a domain failure returned in a stage result.
type ErrorCode string

const (
	CodeInvalidPeriod             ErrorCode = "INVALID_PERIOD"
	CodeInvalidCurrency           ErrorCode = "INVALID_CURRENCY"
	CodeInvalidTranslationMethod  ErrorCode = "INVALID_TRANSLATION_METHOD"
	CodeInvalidConsolidationLevel ErrorCode = "INVALID_CONSOLIDATION_LEVEL"
	CodeInvalidTolerance          ErrorCode = "INVALID_TOLERANCE"
	CodeGroupNotFound             ErrorCode = "GROUP_NOT_FOUND"
	CodeFXRateMissing             ErrorCode = "FX_RATE_MISSING"
	CodeTranslationRequired       ErrorCode = "TRANSLATION_REQUIRED"
	CodeAggregationRequired       ErrorCode = "AGGREGATION_REQUIRED"
	CodeEliminationUnbalanced     ErrorCode = "ELIMINATION_UNBALANCED"
)

// ErrorClass groups error codes by how a caller should react to them.
type ErrorClass string

const (
	ClassInput        ErrorClass = "input"
	ClassReference    ErrorClass = "reference"
	ClassPrecondition ErrorClass = "precondition"
	ClassInvariant    ErrorClass = "invariant"
)

// Class returns the taxonomy bucket of the code.
func (c ErrorCode) Class() ErrorClass {
	switch c {
	case CodeInvalidPeriod, CodeInvalidCurrency, CodeInvalidTranslationMethod, CodeInvalidConsolidationLevel, CodeInvalidTolerance:
		return ClassInput
	case CodeGroupNotFound:
		return ClassReference
	case CodeTranslationRequired, CodeAggregationRequired:
		return ClassPrecondition
	case CodeEliminationUnbalanced, CodeFXRateMissing:
		return ClassInvariant
	}
	return ""
}

// Outcome is the tagged success/failure envelope shared by every stage result.
type Outcome struct {
	Success          bool      `json:"success"`
	SmartCode        string    `json:"smart_code,omitempty"`
	ErrorCode        ErrorCode `json:"error_code,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	GroupID          string    `json:"group_id"`
	Period           string    `json:"period"`
	RunID            string    `json:"run_id,omitempty"`
	ProcessingTimeMS int64     `json:"processing_time_ms"`
}

// Succeeded builds a successful outcome for the key.
func Succeeded(smartCode string, key Key, runID string) Outcome {
	return Outcome{Success: true, SmartCode: smartCode, GroupID: key.GroupID, Period: key.Period, RunID: runID}
}

// Failed builds a failed outcome for the key.
func Failed(key Key, code ErrorCode, format string, args ...any) Outcome {
	return Outcome{
		GroupID:      key.GroupID,
		Period:       key.Period,
		ErrorCode:    code,
		ErrorMessage: fmt.Sprintf(format, args...),
	}
}

// Sentinel errors surfaced by stores.
var (
	ErrGroupNotFound = errors.New("consol: group not found")
	ErrStoreClosed   = errors.New("consol: store not initialised")
)
