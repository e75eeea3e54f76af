package ocr

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LearnCodeWithH/mokuro-online/internal/logger"
)

// Model is the lazily-initialized OCR engine singleton.
//
// The first call pays the one-time factory cost under a mutex; subsequent
// callers read the initialized engine through an atomic pointer without
// locking. A failed initialization is retried by the next caller.
type Model struct {
	factory EngineFactory

	mu     sync.Mutex
	engine atomic.Pointer[engineBox]
}

// engineBox wraps Engine so interface values can live in an atomic.Pointer.
type engineBox struct {
	engine Engine
}

// NewModel creates a Model around the engine factory.
func NewModel(factory EngineFactory) *Model {
	return &Model{factory: factory}
}

// get returns the initialized engine, constructing it on first use.
func (m *Model) get() (Engine, error) {
	if box := m.engine.Load(); box != nil {
		return box.engine, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if box := m.engine.Load(); box != nil {
		return box.engine, nil
	}

	start := time.Now()
	logger.Info("initializing OCR model")
	engine, err := m.factory()
	if err != nil {
		logger.Error("OCR model initialization failed", "error", err)
		return nil, err
	}
	logger.Info("OCR model ready", "duration_ms", logger.Duration(start))

	m.engine.Store(&engineBox{engine: engine})
	return engine, nil
}

// Run performs OCR on the page at path, initializing the model first if
// needed.
func (m *Model) Run(ctx context.Context, path string) (json.RawMessage, error) {
	engine, err := m.get()
	if err != nil {
		return nil, err
	}
	return engine.Run(ctx, path)
}

// Warm eagerly initializes the model by submitting a no-op through the
// executor, so the first real upload does not pay the load cost. Production
// profiles call this at startup; dev and test profiles skip it.
func (m *Model) Warm(ex *Executor) {
	ex.Submit(func() {
		if _, err := m.get(); err != nil {
			logger.Warn("OCR model warm-up failed", "error", err)
		}
	})
}
