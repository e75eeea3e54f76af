// Package ocr runs the external OCR model behind a bounded worker pool.
//
// The model itself is an external collaborator: anything satisfying Engine.
// This package owns its lifecycle (lazy one-time initialization, optional
// warm-up at startup) and the executor that serializes page jobs onto a
// small fixed pool of workers.
package ocr

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnsupportedImage is returned by engines for images the model cannot
// decode: animations, corrupt files and unsupported formats. The upload
// pipeline maps it to a stable user-facing message.
var ErrUnsupportedImage = errors.New("ocr: unsupported or corrupt image")

// UnsupportedImageMessage is the user-facing text for ErrUnsupportedImage.
const UnsupportedImageMessage = "Animation file, Corrupted file or Unsupported type"

// Engine performs OCR on a single page image and returns the serialized
// result document. Implementations are expensive to construct and are
// assumed single-threaded per worker.
type Engine interface {
	Run(ctx context.Context, path string) (json.RawMessage, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, path string) (json.RawMessage, error)

func (f EngineFunc) Run(ctx context.Context, path string) (json.RawMessage, error) {
	return f(ctx, path)
}

// EngineFactory constructs an Engine. It is invoked at most once, on the
// first job (or at warm-up), and pays the model's import and weight-load
// cost.
type EngineFactory func() (Engine, error)
