package errors

type ExitCode int

const (
	GenericFailureExitCode ExitCode = 1

	// Bad configuration or flags
	ConfigFailureExitCode ExitCode = 70

	// Scheduling specific exit codes
	InvalidJobGraphExitCode   ExitCode = 80
	SlotTimeoutExitCode       ExitCode = 81
	SchedulingFailureExitCode ExitCode = 82
	JobFailureExitCode        ExitCode = 83
)
