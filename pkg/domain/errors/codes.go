package errors

// Code represents an error code
type Code string

// Error codes surfaced by the runner core
const (
	CodeUnknown            Code = "UNKNOWN"              // Unknown error occurred
	CodeInternalError      Code = "INTERNAL_ERROR"       // Internal system error
	CodeBadInput           Code = "BAD_INPUT"            // Malformed or missing input
	CodeValidationFailed   Code = "VALIDATION_FAILED"    // Artifact validation failed
	CodeModuleNotFound     Code = "MODULE_NOT_FOUND"     // Module not registered
	CodeVersionNotFound    Code = "VERSION_NOT_FOUND"    // Version label not found
	CodeDuplicateVersion   Code = "DUPLICATE_VERSION"    // Version label already uploaded
	CodeNameConflict       Code = "NAME_CONFLICT"        // Module name already registered
	CodeNoActiveDeployment Code = "NO_ACTIVE_DEPLOYMENT" // Module has no active deployment
	CodeProvisionFailed    Code = "PROVISION_FAILED"     // Environment provisioning failed
	CodeExecutorNotFound   Code = "EXECUTOR_NOT_FOUND"   // No executor wired for env kind
	CodeIoError            Code = "IO_ERROR"             // Input/output operation failed
	CodePermissionDenied   Code = "PERMISSION_DENIED"    // Principal lacks required scope
	CodeUnauthenticated    Code = "UNAUTHENTICATED"      // Missing or invalid bearer token
	CodeTimeoutError       Code = "TIMEOUT_ERROR"        // Operation timed out
	CodeInvalidState       Code = "INVALID_STATE"        // Lifecycle invariant violated
)
