package telemetry

// Structured error codes surfaced on chaos_error_codes_total and in logs.
// Codes are stable strings; dashboards and alerts key on them.
const (
	CodeClassifierStrictMissingRules = "CLASSIFIER_STRICT_MISSING_RULES"
	CodeInvalidJSONPath              = "INVALID_JSONPATH"
	CodeMutationFailed               = "MUTATION_FAILED"
	CodeStrategyDisabled             = "STRATEGY_DISABLED"
	CodeTapeKeyRequired              = "TAPE_KEY_REQUIRED"
	CodeTapeMismatch                 = "TAPE_MISMATCH"
	CodeJWTUnavailable               = "JWT_UNAVAILABLE"
	CodeJWTInvalid                   = "JWT_INVALID"
	CodeConfigInvalid                = "CONFIG_INVALID"
)
