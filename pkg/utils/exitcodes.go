package utils

const (
	// standard exit codes
	ExitCodeSuccess = iota
	ExitCodeError   = 1

	// custom exit codes
	ExitCodeAuditUnavailable = 100
	ExitCodeStreamFailure    = 101
)
