package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// ExecError wraps an execution error with the command output
type ExecError struct {
	Err    error
	Output string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Output)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// ProcessExecutor runs each platform's bridge binary as
//
//	<binary> <command>
//
// with the JSON-encoded arguments on stdin, and reads the reply from stdout.
type ProcessExecutor struct {
	// Binaries maps platform name to bridge executable.
	Binaries map[string]string
	// LookPath defaults to os/exec.LookPath.
	LookPath func(file string) (string, error)
}

// NewProcessExecutor creates an executor for the given platform binaries.
func NewProcessExecutor(binaries map[string]string) *ProcessExecutor {
	return &ProcessExecutor{Binaries: binaries, LookPath: exec.LookPath}
}

// Execute implements CommandExecutor.
func (e *ProcessExecutor) Execute(ctx context.Context, call Call) (*Result, error) {
	bin, ok := e.Binaries[call.Platform]
	if !ok {
		return nil, &CommandError{Call: call.String(), Kind: FailureUnavailable, Message: fmt.Sprintf("no bridge configured for platform %q", call.Platform)}
	}
	lookPath := e.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	path, err := lookPath(bin)
	if err != nil {
		return nil, &CommandError{Call: call.String(), Kind: FailureUnavailable, Err: err}
	}

	args, err := json.Marshal(call.Args)
	if err != nil {
		return nil, &CommandError{Call: call.String(), Kind: FailureInvalid, Message: "encode arguments", Err: err}
	}

	cmd := exec.CommandContext(ctx, path, call.Command)
	cmd.Stdin = bytes.NewReader(args)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// A bridge may still have written a typed error reply.
		var r reply
		if json.Unmarshal(stdout.Bytes(), &r) == nil && r.Status == "error" {
			_, replyErr := r.result(call)
			return nil, replyErr
		}
		return nil, &CommandError{Call: call.String(), Kind: FailureUnavailable, Err: &ExecError{Err: err, Output: stderr.String()}}
	}
	return decodeReply(call, stdout.Bytes())
}
