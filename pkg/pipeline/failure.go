package pipeline

import (
	"fmt"
	"strings"

	"github.com/tollgate-labs/tollgate/pkg/policy"
)

// Code is the stable error code reported to callers.
type Code string

const (
	CodeToolNotFound      Code = "TOOL_NOT_FOUND"
	CodeConnectorNotFound Code = "CONNECTOR_NOT_FOUND"
	CodeValidation        Code = "VALIDATION_ERROR"
	CodePolicyDenied      Code = "POLICY_DENIED"
	CodeExecution         Code = "EXECUTION_ERROR"
)

// Failure is the closed set of invocation failures. Each variant carries
// only the fields its kind needs; storage errors never appear here.
type Failure interface {
	error
	Code() Code
	failure()
}

// ToolNotFound covers malformed names and unknown tools of a known
// connector.
type ToolNotFound struct {
	ToolName string
	Detail   string
}

func (*ToolNotFound) Code() Code { return CodeToolNotFound }
func (*ToolNotFound) failure()   {}
func (f *ToolNotFound) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("tool not found: %s: %s", f.ToolName, f.Detail)
	}
	return "tool not found: " + f.ToolName
}

type ConnectorNotFound struct {
	ConnectorID string
}

func (*ConnectorNotFound) Code() Code { return CodeConnectorNotFound }
func (*ConnectorNotFound) failure()   {}
func (f *ConnectorNotFound) Error() string {
	return "connector not found: " + f.ConnectorID
}

// ValidationFailed reports schema violations on the input or the output.
// Violations may quote payload values and are returned to the caller
// only. Locations name where and which keyword failed and are what the
// audit log records.
type ValidationFailed struct {
	Stage      string
	Violations []string
	Locations  []string
}

func (*ValidationFailed) Code() Code { return CodeValidation }
func (*ValidationFailed) failure()   {}
func (f *ValidationFailed) Error() string {
	return fmt.Sprintf("%s validation failed: %s", f.Stage, strings.Join(f.Violations, "; "))
}

func (f *ValidationFailed) auditError() string {
	if len(f.Locations) == 0 {
		return f.Stage + " validation failed"
	}
	return fmt.Sprintf("%s validation failed: %s", f.Stage, strings.Join(f.Locations, "; "))
}

// auditError is the failure text safe to chain: no payload values.
func auditError(f Failure) string {
	if vf, ok := f.(*ValidationFailed); ok {
		return vf.auditError()
	}
	return f.Error()
}

type PolicyDenied struct {
	ReasonCode policy.ReasonCode
	Reason     string
}

func (*PolicyDenied) Code() Code { return CodePolicyDenied }
func (*PolicyDenied) failure()   {}
func (f *PolicyDenied) Error() string {
	return fmt.Sprintf("policy denied (%s): %s", f.ReasonCode, f.Reason)
}

// ExecutionFailed reports a handler error or panic, or that execution was
// never attempted because the allow decision could not be recorded.
type ExecutionFailed struct {
	Message string
	// NotAttempted is set when the handler never ran.
	NotAttempted bool
}

func (*ExecutionFailed) Code() Code { return CodeExecution }
func (*ExecutionFailed) failure()   {}
func (f *ExecutionFailed) Error() string {
	return "execution failed: " + f.Message
}
