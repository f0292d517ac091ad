package registry

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotInstalled         = errors.New("registry: not installed")
	ErrUnauthorized         = errors.New("registry: unauthorized")
	ErrSupplyCapReached     = errors.New("registry: supply cap reached")
	ErrTokenIDAlreadyExists = errors.New("registry: token id already exists")
	ErrTokenIDMinimum       = errors.New("registry: token id below minimum")
	ErrNonExistingToken     = errors.New("registry: non existing token")
	ErrInvalidRecipient     = errors.New("registry: invalid recipient")
	ErrTooOld               = errors.New("registry: created_at_time too old")
	ErrCreatedInFuture      = errors.New("registry: created_at_time in the future")
	ErrDuplicate            = errors.New("registry: duplicate transaction")
	ErrBatchAborted         = errors.New("registry: atomic batch aborted")
	ErrAuthorityAlreadySet  = errors.New("registry: minting authority already set")
	ErrGeneric              = errors.New("registry: generic error")
	ErrGenericBatch         = errors.New("registry: generic batch error")
	ErrAlreadyInstalled     = errors.New("registry: already installed")
)

// Generic error codes.
const (
	CodeMemoTooLong   uint64 = 101
	CodeBatchTooLarge uint64 = 102
	CodeInvalidConfig uint64 = 103
	CodeEmptyBatch    uint64 = 104
)

// CreatedInFutureError reports the registry's clock when created_at_time was ahead of it.
type CreatedInFutureError struct {
	LedgerTime time.Time
}

func (e *CreatedInFutureError) Error() string {
	return fmt.Sprintf("%v (ledger_time=%s)", ErrCreatedInFuture, e.LedgerTime.UTC().Format(time.RFC3339Nano))
}

func (e *CreatedInFutureError) Is(target error) bool { return target == ErrCreatedInFuture }

// DuplicateError points at the log index of the original transaction.
type DuplicateError struct {
	Of uint64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%v (of=%d)", ErrDuplicate, e.Of)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

type GenericError struct {
	Code    uint64
	Message string
}

func (e *GenericError) Error() string {
	return fmt.Sprintf("registry: error %d: %s", e.Code, e.Message)
}

func (e *GenericError) Is(target error) bool { return target == ErrGeneric }

// GenericBatchError rejects a whole batch before any item is looked at.
type GenericBatchError struct {
	Code    uint64
	Message string
}

func (e *GenericBatchError) Error() string {
	return fmt.Sprintf("registry: batch error %d: %s", e.Code, e.Message)
}

func (e *GenericBatchError) Is(target error) bool { return target == ErrGenericBatch }

func genericf(code uint64, format string, args ...any) error {
	return &GenericError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func batchf(code uint64, format string, args ...any) error {
	return &GenericBatchError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WireError is the transport form of a registry error.
type WireError struct {
	Code        string `json:"code"`
	Message     string `json:"message,omitempty"`
	Of          uint64 `json:"of,omitempty"`
	LedgerTime  int64  `json:"ledger_time,omitempty"`
	GenericCode uint64 `json:"generic_code,omitempty"`
}

var wireSentinels = map[string]error{
	"not_installed":          ErrNotInstalled,
	"unauthorized":           ErrUnauthorized,
	"supply_cap_reached":     ErrSupplyCapReached,
	"token_id_already_exist": ErrTokenIDAlreadyExists,
	"token_id_minimum":       ErrTokenIDMinimum,
	"non_existing_token":     ErrNonExistingToken,
	"invalid_recipient":      ErrInvalidRecipient,
	"too_old":                ErrTooOld,
	"batch_aborted":          ErrBatchAborted,
	"authority_already_set":  ErrAuthorityAlreadySet,
	"already_installed":      ErrAlreadyInstalled,
}

// EncodeError converts err into its transport form. Unknown errors keep only their message.
func EncodeError(err error) *WireError {
	if err == nil {
		return nil
	}
	var (
		future  *CreatedInFutureError
		dup     *DuplicateError
		generic *GenericError
		batch   *GenericBatchError
	)
	switch {
	case errors.As(err, &future):
		return &WireError{Code: "created_in_future", LedgerTime: future.LedgerTime.UnixNano()}
	case errors.As(err, &dup):
		return &WireError{Code: "duplicate", Of: dup.Of}
	case errors.As(err, &generic):
		return &WireError{Code: "generic", GenericCode: generic.Code, Message: generic.Message}
	case errors.As(err, &batch):
		return &WireError{Code: "generic_batch", GenericCode: batch.Code, Message: batch.Message}
	}
	for code, sentinel := range wireSentinels {
		if errors.Is(err, sentinel) {
			return &WireError{Code: code, Message: err.Error()}
		}
	}
	return &WireError{Code: "remote", Message: err.Error()}
}

// Err rebuilds the error so errors.Is/As behave as they did on the sending side.
func (w *WireError) Err() error {
	if w == nil {
		return nil
	}
	switch w.Code {
	case "created_in_future":
		return &CreatedInFutureError{LedgerTime: time.Unix(0, w.LedgerTime)}
	case "duplicate":
		return &DuplicateError{Of: w.Of}
	case "generic":
		return &GenericError{Code: w.GenericCode, Message: w.Message}
	case "generic_batch":
		return &GenericBatchError{Code: w.GenericCode, Message: w.Message}
	}
	if sentinel, ok := wireSentinels[w.Code]; ok {
		return sentinel
	}
	return errors.New(w.Message)
}
