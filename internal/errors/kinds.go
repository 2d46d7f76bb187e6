// Package errors provides structured error handling for FastSearch.
//
// Every error carries a Kind drawn from a closed taxonomy. The RPC layer
// serializes the kind as data.kind on JSON-RPC error objects so clients
// can branch on it without parsing messages.
package errors

// Kind classifies an error for clients and for retry policy.
type Kind string

const (
	// KindEmptyQuery indicates the query was empty after trimming.
	KindEmptyQuery Kind = "EmptyQuery"
	// KindInvalidArgument indicates a parameter had the wrong shape or range.
	KindInvalidArgument Kind = "InvalidArgument"
	// KindDimensionMismatch indicates an embedding length differs from the store dimension.
	KindDimensionMismatch Kind = "DimensionMismatch"
	// KindAmbiguousSource indicates a deletion suffix matched multiple sources.
	KindAmbiguousSource Kind = "AmbiguousSource"
	// KindModelDisabled indicates the requested slot has policy disabled.
	KindModelDisabled Kind = "ModelDisabled"
	// KindMemoryBudgetExceeded indicates eviction could not make room for a load.
	KindMemoryBudgetExceeded Kind = "MemoryBudgetExceeded"
	// KindModelLoadFailed indicates the underlying model producer failed.
	KindModelLoadFailed Kind = "ModelLoadFailed"
	// KindStoreUnavailable indicates the store file is missing or corrupt.
	KindStoreUnavailable Kind = "StoreUnavailable"
	// KindDaemonBusy indicates the server cannot take the request right
	// now (a contended slot, a canceled wait, or shutdown in progress).
	KindDaemonBusy Kind = "DaemonBusy"
	// KindProtocolError indicates a malformed frame or JSON body.
	KindProtocolError Kind = "ProtocolError"
	// KindInternal indicates an unexpected internal failure.
	KindInternal Kind = "Internal"
)

// retryable reports whether clients may reasonably retry errors of this kind.
func retryable(k Kind) bool {
	switch k {
	case KindDaemonBusy, KindModelLoadFailed, KindMemoryBudgetExceeded:
		return true
	default:
		return false
	}
}
