package contracts

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports a schema or range violation on config, a
// manifest, an agent card, or an evidence record. It is always surfaced
// to the caller, never swallowed.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// IOError wraps a filesystem or network failure. Retry policy decides
// whether it is retried; the original error stays reachable via Unwrap.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("io: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("io: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// NotFoundError marks a receipt, dispute, agent, or report that does
// not exist on chain or in the store. The API layer maps it to 404.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// ActionAlreadyRecordedError is the ledger's idempotency violation: a
// second write for the same (lower-cased) receipt ID.
type ActionAlreadyRecordedError struct {
	ReceiptID string
}

func (e *ActionAlreadyRecordedError) Error() string {
	return fmt.Sprintf("action already recorded for receipt %s", e.ReceiptID)
}

// SignerError reports a signing-backend failure with the backend's
// status attached.
type SignerError struct {
	Backend string
	Status  string
	Err     error
}

func (e *SignerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("signer %s: %s", e.Backend, e.Status)
	}
	return fmt.Sprintf("signer %s (%s): %v", e.Backend, e.Status, e.Err)
}

func (e *SignerError) Unwrap() error { return e.Err }

// TimeoutError marks an operation that exceeded its deadline. Rule
// timeouts become per-rule error results carrying this kind.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// SsrfBlockedError reports a card fetch that resolved to a private
// address or used a disallowed scheme. No request was issued.
type SsrfBlockedError struct {
	URL  string
	Host string
	IP   string
}

func (e *SsrfBlockedError) Error() string {
	if e.IP != "" {
		return fmt.Sprintf("ssrf blocked: %s resolves to %s", e.Host, e.IP)
	}
	return fmt.Sprintf("ssrf blocked: %s", e.URL)
}

// ManifestFailureCode is the stable code set for manifest verification.
type ManifestFailureCode string

const (
	ManifestHashMismatch  ManifestFailureCode = "MANIFEST_HASH_MISMATCH"
	ManifestSchemaInvalid ManifestFailureCode = "MANIFEST_SCHEMA_INVALID"
	ManifestNotFound      ManifestFailureCode = "MANIFEST_NOT_FOUND"
	ArtifactHashMismatch  ManifestFailureCode = "ARTIFACT_HASH_MISMATCH"
	ArtifactSizeMismatch  ManifestFailureCode = "ARTIFACT_SIZE_MISMATCH"
	ArtifactNotFound      ManifestFailureCode = "ARTIFACT_NOT_FOUND"
	UnsafePath            ManifestFailureCode = "UNSAFE_PATH"
	DeliveredMismatch     ManifestFailureCode = "DELIVERED_MISMATCH"
)

// ManifestVerificationError is one typed failure from solver-manifest
// verification. Verifiers collect these and sort by (Code, Path) so
// output stays stable run to run.
type ManifestVerificationError struct {
	Code   ManifestFailureCode
	Path   string
	Detail string
}

func (e *ManifestVerificationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Path, e.Detail)
}

// FatalError marks an unrecoverable startup failure. main exits
// non-zero when it sees one.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal during %s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsAlreadyRecorded reports whether err is the ledger idempotency
// violation.
func IsAlreadyRecorded(err error) bool {
	var ar *ActionAlreadyRecordedError
	return errors.As(err, &ar)
}
