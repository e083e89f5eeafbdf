package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Submission & Queue errors
// 12000-12999: Problem store errors
// 13000-13999: Judge & Sandbox errors
// 14000-14999: Storage & Event errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError     ErrorCode = 10100
	RecordNotFound    ErrorCode = 10101
	TransactionFailed ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Submission & Queue Errors (11000-11999) ==========

	// Queue (11000-11099)
	SubmissionNotFound ErrorCode = 11000
	LeaseFailed        ErrorCode = 11001
	UndoFailed         ErrorCode = 11002

	// Progress & results (11100-11199)
	ProgressUpdateFailed ErrorCode = 11100
	ResultWriteFailed    ErrorCode = 11101
	SummaryWriteFailed   ErrorCode = 11102

	// ========== Problem Store Errors (12000-12999) ==========

	// Problem basic (12000-12099)
	ProblemNotFound    ErrorCode = 12000
	ProblemFetchFailed ErrorCode = 12001

	// Problem resources (12100-12199)
	ResourceFileMissing ErrorCode = 12100
	UploadFileMissing   ErrorCode = 12101

	// ========== Judge & Sandbox Errors (13000-13999) ==========

	// Judge (13000-13099)
	JudgeSystemError ErrorCode = 13000

	// Sandbox (13100-13199)
	SandboxCreateFailed ErrorCode = 13100
	SandboxStartFailed  ErrorCode = 13101
	SandboxExecFailed   ErrorCode = 13102
	SandboxCopyFailed   ErrorCode = 13103
	SandboxRemoveFailed ErrorCode = 13104
	SandboxWaitFailed   ErrorCode = 13105

	// ========== Storage & Event Errors (14000-14999) ==========

	// Object storage (14000-14099)
	StorageError      ErrorCode = 14000
	ObjectNotFound    ErrorCode = 14001
	PackVerifyFailed  ErrorCode = 14002
	PackExtractFailed ErrorCode = 14003

	// Events (14100-14199)
	PublishFailed ErrorCode = 14100
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:     "Database operation failed",
	RecordNotFound:    "Record not found in database",
	TransactionFailed: "Database transaction failed",

	// Cache
	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Submission & Queue
	SubmissionNotFound:   "Submission not found",
	LeaseFailed:          "Failed to lease queued submissions",
	UndoFailed:           "Failed to undo running submissions",
	ProgressUpdateFailed: "Failed to update submission progress",
	ResultWriteFailed:    "Failed to write judge result",
	SummaryWriteFailed:   "Failed to write submission summary",

	// Problem store
	ProblemNotFound:     "Problem not found",
	ProblemFetchFailed:  "Failed to fetch problem",
	ResourceFileMissing: "Problem resource file is missing",
	UploadFileMissing:   "Uploaded file is missing",

	// Judge & Sandbox
	JudgeSystemError:    "Judge system error",
	SandboxCreateFailed: "Failed to create sandbox",
	SandboxStartFailed:  "Failed to start sandbox",
	SandboxExecFailed:   "Failed to execute command in sandbox",
	SandboxCopyFailed:   "Failed to copy files into sandbox",
	SandboxRemoveFailed: "Failed to remove sandbox",
	SandboxWaitFailed:   "Failed to wait for sandbox",

	// Storage & Events
	StorageError:      "Object storage operation failed",
	ObjectNotFound:    "Object not found in storage",
	PackVerifyFailed:  "Resource pack verification failed",
	PackExtractFailed: "Resource pack extraction failed",
	PublishFailed:     "Failed to publish event",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}
