// Package upload implements the page upload pipeline: multipart validation,
// disk staging, OCR job dispatch and progress-event streaming.
//
// Each multipart field name is the client's claimed page hash; the filename
// is a display label. Parts are validated in submission order, staged to
// temp files, handed to the coalescer for deduplicated OCR, and awaited in
// arrival order while (message, category) events stream back to the client.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LearnCodeWithH/mokuro-online/internal/bytesize"
	"github.com/LearnCodeWithH/mokuro-online/internal/logger"
	"github.com/LearnCodeWithH/mokuro-online/pkg/cache"
	"github.com/LearnCodeWithH/mokuro-online/pkg/inflight"
	"github.com/LearnCodeWithH/mokuro-online/pkg/metrics"
	"github.com/LearnCodeWithH/mokuro-online/pkg/ocr"
	"github.com/LearnCodeWithH/mokuro-online/pkg/pagehash"
)

// Runner performs OCR on a staged page. Satisfied by ocr.Model.
type Runner interface {
	Run(ctx context.Context, path string) (json.RawMessage, error)
}

// Config tunes upload validation.
type Config struct {
	// MaxImageSize bounds a single page upload.
	MaxImageSize bytesize.ByteSize

	// StrictNewImages aborts the whole batch when a part fails the
	// size or hash check.
	StrictNewImages bool

	// StagingDir is where pages are staged before OCR. Empty means the
	// system temp directory.
	StagingDir string
}

// Pipeline processes upload batches.
type Pipeline struct {
	cfg       Config
	cache     cache.Cache
	coalescer *inflight.Coalescer
	model     Runner

	ocrMetrics    *metrics.OCRMetrics
	uploadMetrics *metrics.UploadMetrics
}

// New creates an upload pipeline. The metrics may be nil.
func New(cfg Config, store cache.Cache, coalescer *inflight.Coalescer, model Runner,
	ocrMetrics *metrics.OCRMetrics, uploadMetrics *metrics.UploadMetrics) *Pipeline {
	return &Pipeline{
		cfg:           cfg,
		cache:         store,
		coalescer:     coalescer,
		model:         model,
		ocrMetrics:    ocrMetrics,
		uploadMetrics: uploadMetrics,
	}
}

// batchItem is one upload part that will produce a completion event: either
// a freshly staged page or a joiner on an already in-flight job.
type batchItem struct {
	name string
	hash pagehash.Hash

	// path is set for staged parts awaiting dispatch; empty for joiners.
	path string
	job  *inflight.Job
}

// Process consumes the multipart body and returns a channel of progress
// events, closed when the batch completes. Events are emitted in processing
// order; the caller streams or buffers them.
func (p *Pipeline) Process(ctx context.Context, parts *multipart.Reader) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		p.run(ctx, parts, events)
	}()
	return events
}

func (p *Pipeline) run(ctx context.Context, parts *multipart.Reader, events chan<- Event) {
	items, aborted := p.validate(ctx, parts, events)
	if aborted {
		for _, item := range items {
			release(item.path)
		}
		return
	}

	p.dispatch(items)
	p.await(ctx, items, events)
}

// validate walks the multipart body in submission order, emitting an error
// event per rejected part. Returns the surviving items and whether strict
// mode aborted the batch.
func (p *Pipeline) validate(ctx context.Context, parts *multipart.Reader, events chan<- Event) ([]*batchItem, bool) {
	var items []*batchItem
	maxSize := int64(p.cfg.MaxImageSize)

	for {
		part, err := parts.NextPart()
		if errors.Is(err, io.EOF) {
			return items, false
		}
		if err != nil {
			events <- errorEvent("Malformed multipart request")
			logger.Warn("multipart parse failed", "error", err)
			return items, false
		}

		name := part.FileName()
		if name == "" {
			name = part.FormName()
		}

		hash, err := pagehash.Parse(part.FormName())
		if err != nil {
			events <- errorEvent("File form key is not a valid hash")
			p.uploadMetrics.RecordFile("rejected")
			continue
		}

		if job, ok := p.coalescer.Lookup(hash); ok {
			events <- infoEvent("Already have file %s in queue", name)
			items = append(items, &batchItem{name: name, hash: hash, job: job})
			p.ocrMetrics.RecordCoalesced()
			continue
		}

		cached, err := p.cache.Has(ctx, hash)
		if err != nil {
			// Only reachable when the backend propagates errors; under
			// ignore_errors lookups degrade to misses instead. An
			// infrastructure failure is not a per-file problem, so the
			// whole batch stops.
			logger.Error("cache lookup failed", "hash", hash, "error", err)
			events <- errorEvent("File %s failed a cache lookup", name)
			events <- errorEvent("Cache unavailable, aborting upload")
			return items, true
		}
		if cached {
			events <- infoEvent("Already have file %s in cache", name)
			p.uploadMetrics.RecordFile("cached")
			continue
		}

		if cl := part.Header.Get("Content-Length"); cl != "" && maxSize > 0 {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > maxSize {
				events <- errorEvent("File %s is too large", name)
				p.uploadMetrics.RecordFile("rejected")
				continue
			}
		}

		if ct := part.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
			events <- errorEvent("File %s is not an image", name)
			p.uploadMetrics.RecordFile("rejected")
			continue
		}

		data, err := readBounded(part, maxSize)
		if err != nil {
			if errors.Is(err, errTooLarge) {
				events <- errorEvent("File %s is too large", name)
				p.uploadMetrics.RecordFile("rejected")
				if p.cfg.StrictNewImages {
					events <- errorEvent("Unacceptable client error, aborting upload")
					return items, true
				}
				continue
			}
			events <- errorEvent("File %s could not be read", name)
			logger.Warn("upload part read failed", "name", name, "error", err)
			continue
		}
		if len(data) == 0 {
			events <- errorEvent("File %s is an empty file", name)
			p.uploadMetrics.RecordFile("rejected")
			continue
		}

		if pagehash.FromBytes(data) != hash {
			events <- errorEvent("File %s hash does not match its content", name)
			p.uploadMetrics.RecordFile("rejected")
			if p.cfg.StrictNewImages {
				events <- errorEvent("Unacceptable client error, aborting upload")
				return items, true
			}
			continue
		}

		path, err := stage(p.cfg.StagingDir, data)
		if err != nil {
			events <- errorEvent("File %s could not be staged", name)
			logger.Error("staging failed", "name", name, "error", err)
			continue
		}

		items = append(items, &batchItem{name: name, hash: hash, path: path})
		p.uploadMetrics.RecordFile("accepted")
		p.uploadMetrics.RecordFileSize(int64(len(data)))
	}
}

// dispatch hands every staged item to the coalescer. An item whose hash got
// claimed in the meantime (duplicate within the batch, or a concurrent
// upload) becomes a joiner and its staged copy is released.
func (p *Pipeline) dispatch(items []*batchItem) {
	for _, item := range items {
		if item.job != nil {
			continue
		}
		job, admitted := p.coalescer.SubmitOrJoin(item.hash, item.name, item.path, p.runJob)
		if !admitted {
			release(item.path)
			item.path = ""
			p.ocrMetrics.RecordCoalesced()
		}
		item.job = job
	}
}

// await collects completions in arrival order and emits one terminal event
// per item plus the batch summary.
func (p *Pipeline) await(ctx context.Context, items []*batchItem, events chan<- Event) {
	for _, item := range items {
		outcome, err := item.job.Wait(ctx)
		if err != nil {
			// Client gone; jobs continue in the background so the cache
			// still fills.
			logger.Debug("upload wait cancelled", "hash", item.hash, "error", err)
			return
		}
		if outcome.Err != nil {
			// A rejected job never reached runJob, so its staged file is
			// still on disk.
			if errors.Is(outcome.Err, inflight.ErrExecutorStopped) {
				release(item.path)
			}
			events <- errorEvent("File %s: %s", item.name, jobErrorMessage(outcome.Err))
		} else {
			events <- successEvent("Finished OCR of file %s", item.name)
		}
	}

	if len(items) == 0 {
		events <- warningEvent("No files were processed")
		return
	}
	events <- successEvent("Finished OCR of all %d files", len(items))
}

// runJob executes on an OCR worker. Completion order is fixed: persist the
// result, drop the coalescer entry, then resolve the job, so a request
// arriving after resolution always sees the cache hit.
func (p *Pipeline) runJob(job *inflight.Job) {
	start := time.Now()
	result, err := p.executeOCR(job)

	if err == nil {
		encoded := cache.Encode(result)
		if cerr := p.cache.Set(context.Background(), job.Hash, encoded, -1); cerr != nil {
			logger.Error("failed to persist OCR result", "hash", job.Hash, "error", cerr)
			result, err = nil, fmt.Errorf("failed to persist OCR result: %w", cerr)
		}
	}

	p.coalescer.Drop(job.Hash)
	job.Resolve(result, err)
	release(job.StagedPath)

	p.ocrMetrics.RecordJob(jobStatus(err), time.Since(start))
	logger.Info("OCR job finished",
		"hash", job.Hash,
		"name", job.Name,
		"duration_ms", logger.Duration(start),
		"error", err,
	)
}

func (p *Pipeline) executeOCR(job *inflight.Job) (json.RawMessage, error) {
	info, err := os.Stat(job.StagedPath)
	if err != nil {
		return nil, fmt.Errorf("staged file disappeared: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("staged path is not a regular file")
	}
	return p.model.Run(context.Background(), job.StagedPath)
}

func jobErrorMessage(err error) string {
	if errors.Is(err, ocr.ErrUnsupportedImage) {
		return ocr.UnsupportedImageMessage
	}
	return err.Error()
}

func jobStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ocr.ErrUnsupportedImage):
		return "unsupported"
	default:
		return "error"
	}
}

// errTooLarge marks reads that exceeded the configured bound.
var errTooLarge = errors.New("upload exceeds size bound")

// readBounded reads the part, failing once it grows past max. A max of 0
// means unbounded.
func readBounded(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}

	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, errTooLarge
	}
	return data, nil
}
