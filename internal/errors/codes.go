// Package errors provides structured error handling for SpecMem.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Filesystem and environment errors
//   - 3XX: Lifecycle errors (startup, locks, shutdown)
//   - 4XX: Embedding broker errors
//   - 5XX: Storage errors
//   - 6XX: User-facing request errors
//   - 7XX: Internal errors
//   - 8XX: Resource admission errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryEnvironment indicates filesystem and environment errors.
	CategoryEnvironment Category = "ENVIRONMENT"
	// CategoryLifecycle indicates startup, lock, and shutdown errors.
	CategoryLifecycle Category = "LIFECYCLE"
	// CategoryBroker indicates embedding broker and worker errors.
	CategoryBroker Category = "BROKER"
	// CategoryStorage indicates relational store errors.
	CategoryStorage Category = "STORAGE"
	// CategoryUser indicates errors returned directly to tool callers.
	CategoryUser Category = "USER"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
	// CategoryResources indicates admission-control rejections.
	CategoryResources Category = "RESOURCES"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but service continues.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound   = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid    = "ERR_102_CONFIG_INVALID"
	ErrCodeConfigPermission = "ERR_103_CONFIG_PERMISSION"

	// Environment errors (200-299)
	ErrCodeEnvironmentUnusable = "ERR_201_ENVIRONMENT_UNUSABLE"
	ErrCodeFilePermission      = "ERR_202_FILE_PERMISSION"
	ErrCodeDiskFull            = "ERR_203_DISK_FULL"
	ErrCodeFileTooLarge        = "ERR_204_FILE_TOO_LARGE"

	// Lifecycle errors (300-399)
	ErrCodeConcurrentStartup = "ERR_301_CONCURRENT_STARTUP"
	ErrCodeInstanceLockLost  = "ERR_302_INSTANCE_LOCK_LOST"
	ErrCodeStaleLock         = "ERR_303_STALE_LOCK"
	ErrCodeShutdownTimeout   = "ERR_304_SHUTDOWN_TIMEOUT"

	// Broker errors (400-499)
	ErrCodeTimeout           = "ERR_401_TIMEOUT"
	ErrCodeSocketMissing     = "ERR_402_SOCKET_MISSING"
	ErrCodeSocketClosed      = "ERR_403_SOCKET_CLOSED"
	ErrCodeWorkerUnavailable = "ERR_404_WORKER_UNAVAILABLE"
	ErrCodeProtocolError     = "ERR_405_PROTOCOL_ERROR"
	ErrCodeInvalidResponse   = "ERR_406_INVALID_RESPONSE"
	ErrCodeWorkerOverload    = "ERR_407_WORKER_OVERLOAD"
	ErrCodeEmbeddingDeferred = "ERR_408_EMBEDDING_DEFERRED"

	// Storage errors (500-599)
	ErrCodeStorageUnavailable = "ERR_501_STORAGE_UNAVAILABLE"
	ErrCodeSchemaFailed       = "ERR_502_SCHEMA_FAILED"
	ErrCodeQueryFailed        = "ERR_503_QUERY_FAILED"
	ErrCodeDimensionMismatch  = "ERR_504_DIMENSION_MISMATCH"

	// User-facing errors (600-699)
	ErrCodeNotFound         = "ERR_601_NOT_FOUND"
	ErrCodeValidationFailed = "ERR_602_VALIDATION_FAILED"

	// Internal errors (700-799)
	ErrCodeInternal    = "ERR_701_INTERNAL"
	ErrCodeIndexFailed = "ERR_702_INDEX_FAILED"

	// Resource errors (800-899)
	ErrCodeResourceExhausted = "ERR_801_RESOURCE_EXHAUSTED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryEnvironment
	case '3':
		return CategoryLifecycle
	case '4':
		return CategoryBroker
	case '5':
		return CategoryStorage
	case '6':
		return CategoryUser
	case '8':
		return CategoryResources
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeInstanceLockLost, ErrCodeDimensionMismatch, ErrCodeDiskFull:
		return SeverityFatal
	case ErrCodeEmbeddingDeferred:
		return SeverityWarning
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// The set matches the broker's transient failure classes.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeTimeout, ErrCodeSocketClosed, ErrCodeWorkerOverload:
		return true
	default:
		return false
	}
}
