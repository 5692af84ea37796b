package apperr

type Code string

const (
	CodeUnknown        Code = "UNKNOWN"
	CodeValidation     Code = "VALIDATION"
	CodeNotFound       Code = "NOT_FOUND"
	CodeConflict       Code = "CONFLICT"
	CodePolicy         Code = "POLICY"
	CodePermission     Code = "PERMISSION"
	CodeUpstream       Code = "UPSTREAM"
	CodeInfrastructure Code = "INFRASTRUCTURE"
)
