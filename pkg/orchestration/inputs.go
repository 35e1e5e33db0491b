package orchestration

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/mattsolo1/grove-narrative/pkg/carousel"
	"github.com/mattsolo1/grove-narrative/pkg/exec"
	"github.com/mattsolo1/grove-narrative/pkg/narrative"
	"github.com/mattsolo1/grove-narrative/pkg/table"
	"github.com/mattsolo1/grove-narrative/pkg/template"
)

// TextExecutor resolves a text template.
type TextExecutor struct{}

func (TextExecutor) Name() string { return "text" }

func (TextExecutor) Execute(ctx context.Context, req *InputRequest) (*InputOutcome, error) {
	res, err := req.Resolver.Resolve(ctx, *req.Input.Text)
	if err != nil {
		return nil, err
	}
	return &InputOutcome{
		Record: &InputRecord{
			Text:    res.Text,
			Summary: fmt.Sprintf("[Text: %d chars]", utf8.RuneCountInString(res.Text)),
		},
		MissingEnv: res.MissingEnv,
	}, nil
}

// ImageExecutor loads an image from a file or inline base64 data.
type ImageExecutor struct{}

func (ImageExecutor) Name() string { return "image" }

func (ImageExecutor) Execute(ctx context.Context, req *InputRequest) (*InputOutcome, error) {
	img := req.Input.Image
	var (
		data    []byte
		path    string
		missing []string
	)
	switch {
	case img.Path != "":
		res, err := req.Resolver.Resolve(ctx, img.Path)
		if err != nil {
			return nil, err
		}
		missing = res.MissingEnv
		path = res.Text
		if !filepath.IsAbs(path) && req.BaseDir != "" {
			path = filepath.Join(req.BaseDir, path)
		}
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
	case img.Data != "":
		var err error
		data, err = base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return nil, fmt.Errorf("decode image data: %w", err)
		}
	default:
		return nil, errors.New("image has neither path nor data")
	}

	mimeType := img.MIME
	if mimeType == "" && path != "" {
		mimeType = mime.TypeByExtension(filepath.Ext(path))
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return &InputOutcome{
		Record: &InputRecord{
			Data:    data,
			MIME:    mimeType,
			Summary: fmt.Sprintf("[Image: %s, %d bytes]", mimeType, len(data)),
		},
		MissingEnv: missing,
	}, nil
}

// CommandExecutor runs a bot command and offers identifier fields of its
// result for automatic capture.
type CommandExecutor struct {
	Commands exec.CommandExecutor
}

func (e *CommandExecutor) Name() string { return "bot_command" }

func (e *CommandExecutor) Execute(ctx context.Context, req *InputRequest) (*InputOutcome, error) {
	if e.Commands == nil {
		return nil, errors.New("no command executor configured")
	}
	bc := req.Input.BotCommand
	call := exec.Call{Platform: bc.Platform, Command: bc.Command, CacheFor: bc.CacheFor}
	var missing []string
	if len(bc.Args) > 0 {
		resolved, res, err := req.Resolver.ResolveValue(ctx, bc.Args)
		if err != nil {
			return nil, err
		}
		call.Args = resolved.(map[string]any)
		missing = res.MissingEnv
	}

	callCtx, cancel := req.CallContext(ctx)
	defer cancel()
	result, err := e.Commands.Execute(callCtx, call)
	if err != nil {
		return nil, err
	}

	out := &InputOutcome{
		Record:     &InputRecord{Summary: fmt.Sprintf("[BotCommand: %s]", call)},
		Usage:      carousel.Usage{Requests: 1},
		MissingEnv: missing,
	}
	if result.Status == exec.StatusApprovalPending {
		out.Record.Status = InputPending
		out.Record.Text = fmt.Sprintf("[approval pending: %s]", result.ApprovalID)
		out.Warnings = append(out.Warnings, fmt.Sprintf("command %s is awaiting approval %s", call, result.ApprovalID))
		return out, nil
	}
	out.Record.Text = string(result.Payload)
	out.Captures = template.AutoCapture(call.Platform, call.Command, result.Payload)
	return out, nil
}

// TableExecutor queries structured data and formats the rows as text.
type TableExecutor struct {
	Tables table.QueryExecutor
}

func (e *TableExecutor) Name() string { return "table" }

func (e *TableExecutor) Execute(ctx context.Context, req *InputRequest) (*InputOutcome, error) {
	if e.Tables == nil {
		return nil, errors.New("no table executor configured")
	}
	tq := req.Input.Table
	q := table.Query{
		Table:   tq.Table,
		Columns: tq.Columns,
		OrderBy: tq.OrderBy,
		Limit:   tq.Limit,
		Offset:  tq.Offset,
	}
	var missing []string
	if len(tq.Filter) > 0 {
		resolved, res, err := req.Resolver.ResolveValue(ctx, tq.Filter)
		if err != nil {
			return nil, err
		}
		q.Filter = resolved.(map[string]any)
		missing = res.MissingEnv
	}

	callCtx, cancel := req.CallContext(ctx)
	defer cancel()
	rows, err := e.Tables.Query(callCtx, q)
	if err != nil {
		return nil, err
	}
	format := tq.Format
	if format == "" {
		format = narrative.FormatJSON
	}
	text, err := table.Format(rows, format)
	if err != nil {
		return nil, err
	}
	return &InputOutcome{
		Record: &InputRecord{
			Text:    text,
			Summary: fmt.Sprintf("[Table: %s, %d rows]", tq.Table, len(rows.Rows)),
		},
		MissingEnv: missing,
	}, nil
}

// NarrativeExecutor runs a referenced narrative as one nested unit.
type NarrativeExecutor struct {
	orchestrator *Orchestrator
}

func (e *NarrativeExecutor) Name() string { return "narrative" }

func (e *NarrativeExecutor) Execute(ctx context.Context, req *InputRequest) (*InputOutcome, error) {
	ref := req.Input.Narrative
	sub, err := e.orchestrator.run(ctx, ref.Name, req.Chain, nil)
	if err != nil {
		return nil, err
	}
	text := sub.LastOutput()
	if ref.Result == narrative.ResultSummary {
		text = sub.Summary()
	}
	out := &InputOutcome{
		Record: &InputRecord{
			Text:    text,
			Summary: fmt.Sprintf("[Narrative: %s]", ref.Name),
		},
		Usage: sub.Usage,
	}
	for _, w := range sub.Warnings {
		out.Warnings = append(out.Warnings, fmt.Sprintf("narrative %q: %s", ref.Name, w))
	}
	return out, nil
}
