package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/LearnCodeWithH/mokuro-online/internal/logger"
)

// CommandEngine shells out to an external OCR program. The staged page path
// is appended as the final argument and the program must print the result
// document as JSON on stdout. This is the production adapter for model
// runtimes that live outside the Go process.
type CommandEngine struct {
	command string
	args    []string
}

// NewCommandEngine creates an engine invoking command with the given fixed
// arguments.
func NewCommandEngine(command string, args ...string) *CommandEngine {
	return &CommandEngine{command: command, args: args}
}

func (e *CommandEngine) Run(ctx context.Context, path string) (json.RawMessage, error) {
	args := append(append([]string{}, e.args...), path)
	cmd := exec.CommandContext(ctx, e.command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	logger.Debug("OCR command finished",
		"path", path,
		"duration_ms", logger.Duration(start),
		"error", err,
	)
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		// Model runtimes signal undecodable input on stderr; everything
		// else surfaces verbatim.
		if strings.Contains(strings.ToLower(detail), "cannot identify image") {
			return nil, ErrUnsupportedImage
		}
		return nil, fmt.Errorf("ocr command failed: %s", detail)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if !json.Valid(out) {
		return nil, fmt.Errorf("ocr command produced invalid JSON")
	}
	return json.RawMessage(out), nil
}
