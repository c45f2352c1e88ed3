package domain

import "time"

// StepResult is what running one step produced. Next is the successor to
// continue with; an empty Next after a successful step ends the execution.
type StepResult struct {
	Status   StepLogStatus
	Output   map[string]any
	Err      error
	ResumeAt time.Time
	Next     string
}

func Succeeded(next string, output map[string]any) StepResult {
	return StepResult{Status: StepLogStatusSuccess, Next: next, Output: output}
}

func Failed(err error) StepResult {
	return StepResult{Status: StepLogStatusFailed, Err: err}
}

func Waiting(resumeAt time.Time, next string) StepResult {
	return StepResult{Status: StepLogStatusWaiting, ResumeAt: resumeAt, Next: next,
		Output: map[string]any{"resumeAt": resumeAt.UTC().Format(time.RFC3339)}}
}
