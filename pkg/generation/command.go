package generation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	grovelogging "github.com/mattsolo1/grove-core/logging"
	"github.com/sirupsen/logrus"
)

// CommandBackend runs the llm command-line tool, sending the flattened
// conversation on stdin and reading the completion from stdout.
type CommandBackend struct {
	// Binary defaults to "llm".
	Binary string
	// WorkingDir is the directory the command runs in.
	WorkingDir string

	log *logrus.Entry
}

// NewCommandBackend creates a backend for the given binary.
func NewCommandBackend(binary string) *CommandBackend {
	if binary == "" {
		binary = "llm"
	}
	return &CommandBackend{Binary: binary, log: grovelogging.NewLogger("grove-narrative.llm")}
}

// Generate implements Backend. Token usage is estimated from text length
// since the tool does not report it.
func (c *CommandBackend) Generate(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, &Error{Kind: KindMalformed, Backend: "llm", Err: errors.New("request has no messages")}
	}
	args := []string{}
	if req.Model != "" {
		args = append(args, "-m", req.Model)
	}
	prompt := Flatten(req.Messages)

	cmd := exec.CommandContext(ctx, c.Binary, args...)
	cmd.Dir = c.WorkingDir
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if c.log != nil {
		c.log.WithFields(logrus.Fields{
			"model":         req.Model,
			"prompt_length": len(prompt),
		}).Debug("Running llm command")
	}
	if err := cmd.Run(); err != nil {
		if c.log != nil {
			c.log.WithError(err).WithField("duration", time.Since(start).String()).Debug("llm command failed")
		}
		return nil, &Error{Kind: classifyOutput(stderr.String()), Backend: "llm", Err: fmt.Errorf("llm command failed: %s: %w", strings.TrimSpace(stderr.String()), err)}
	}

	out := strings.TrimRight(stdout.String(), "\n")
	return &Response{
		Model:   req.Model,
		Outputs: []string{out},
		Usage:   Usage{InputTokens: EstimateTokens(prompt), OutputTokens: EstimateTokens(out)},
	}, nil
}

func classifyOutput(stderr string) ErrorKind {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "rate limit"), strings.Contains(s, "429"), strings.Contains(s, "quota"):
		return KindRateLimit
	case strings.Contains(s, "api key"), strings.Contains(s, "401"), strings.Contains(s, "403"), strings.Contains(s, "unauthorized"):
		return KindAuth
	case strings.Contains(s, "connection"), strings.Contains(s, "timeout"), strings.Contains(s, "network"):
		return KindNetwork
	case strings.Contains(s, "unknown model"), strings.Contains(s, "400"), strings.Contains(s, "invalid"):
		return KindMalformed
	}
	return KindBackend
}
