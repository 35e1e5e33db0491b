// Package generation defines the text-generation backend contract and its
// implementations.
package generation

import (
	"context"
	"fmt"
	"strings"
)

// Role is the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Part is text, or binary content when Data is set.
type Part struct {
	Text string
	Data []byte
	MIME string
}

// IsImage reports whether the part carries binary content.
func (p Part) IsImage() bool {
	return p.Data != nil
}

// Message is one turn of the conversation.
type Message struct {
	Role  Role
	Parts []Part
}

// Request bundles the conversation and model selection.
type Request struct {
	Model    string
	Messages []Message
}

// Usage reports token consumption of one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total is input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Response holds one or more text outputs.
type Response struct {
	Model   string
	Outputs []string
	Usage   Usage
}

// Text returns the first output.
func (r *Response) Text() string {
	if len(r.Outputs) == 0 {
		return ""
	}
	return r.Outputs[0]
}

// Backend produces text from a conversation.
type Backend interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// ErrorKind classifies backend failures.
type ErrorKind string

const (
	KindRateLimit ErrorKind = "rate_limit"
	KindAuth      ErrorKind = "auth"
	KindNetwork   ErrorKind = "network"
	KindMalformed ErrorKind = "malformed_request"
	KindBackend   ErrorKind = "backend"
)

// Error is a typed generation failure.
type Error struct {
	Kind    ErrorKind
	Backend string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s generation failed (%s): %v", e.Backend, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// EstimateTokens approximates token count at four characters per token.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// Flatten renders a conversation as plain text for backends that take a
// single prompt. Binary parts become a short descriptor.
func Flatten(messages []Message) string {
	var sb strings.Builder
	for i, m := range messages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "=== %s ===\n", m.Role)
		for j, p := range m.Parts {
			if j > 0 {
				sb.WriteString("\n")
			}
			if p.IsImage() {
				fmt.Fprintf(&sb, "[image: %s, %d bytes]", p.MIME, len(p.Data))
				continue
			}
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
