package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LearnCodeWithH/mokuro-online/internal/bytesize"
	"github.com/LearnCodeWithH/mokuro-online/pkg/cache"
	"github.com/LearnCodeWithH/mokuro-online/pkg/inflight"
	"github.com/LearnCodeWithH/mokuro-online/pkg/ocr"
	"github.com/LearnCodeWithH/mokuro-online/pkg/pagehash"
)

// hashOne is md5("1").
const hashOne = "c4ca4238a0b923820dcc509a6f75849b"

type fixture struct {
	pipeline  *Pipeline
	cache     cache.Cache
	coalescer *inflight.Coalescer
	executor  *ocr.Executor
}

func newFixture(t *testing.T, cfg Config, engine ocr.Engine) *fixture {
	t.Helper()
	if cfg.MaxImageSize == 0 {
		cfg.MaxImageSize = bytesize.MB
	}
	cfg.StagingDir = t.TempDir()

	store := cache.NewMemory(cache.Config{})
	executor := ocr.NewExecutor(1)
	t.Cleanup(executor.Shutdown)
	coalescer := inflight.New(executor)
	model := ocr.NewModel(func() (ocr.Engine, error) { return engine, nil })

	return &fixture{
		pipeline:  New(cfg, store, coalescer, model, nil, nil),
		cache:     store,
		coalescer: coalescer,
		executor:  executor,
	}
}

func okEngine() ocr.Engine {
	return ocr.EngineFunc(func(context.Context, string) (json.RawMessage, error) {
		return json.RawMessage(`{"version":"0.1.7","blocks":[]}`), nil
	})
}

type formPart struct {
	field       string
	filename    string
	contentType string
	data        []byte
}

func buildForm(t *testing.T, parts ...formPart) *multipart.Reader {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="%s"; filename="%s"`, p.field, p.filename))
		h.Set("Content-Type", p.contentType)
		pw, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = pw.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return multipart.NewReader(&body, w.Boundary())
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", out)
		}
	}
}

func messages(events []Event) []string {
	msgs := make([]string, len(events))
	for i, ev := range events {
		msgs[i] = ev.Message
	}
	return msgs
}

func withCategory(events []Event, cat Category) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Category == cat {
			out = append(out, ev)
		}
	}
	return out
}

func TestProcessSuccess(t *testing.T) {
	f := newFixture(t, Config{}, okEngine())

	form := buildForm(t, formPart{hashOne, "page1.jpg", "image/png", []byte("1")})
	events := collect(t, f.pipeline.Process(context.Background(), form))

	require.Len(t, events, 2)
	assert.Equal(t, Event{"Finished OCR of file page1.jpg", CategorySuccess}, events[0])
	assert.Equal(t, Event{"Finished OCR of all 1 files", CategorySuccess}, events[1])

	val, ok, err := f.cache.Get(context.Background(), pagehash.Hash(hashOne))
	require.NoError(t, err)
	require.True(t, ok)
	decoded, err := cache.Decode(val)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"0.1.7","blocks":[]}`, string(decoded))

	assert.False(t, f.coalescer.Contains(pagehash.Hash(hashOne)))
	assert.Empty(t, stagedFiles(t, f.pipeline.cfg.StagingDir))
}

func TestValidationErrors(t *testing.T) {
	t.Run("invalid form key", func(t *testing.T) {
		f := newFixture(t, Config{}, okEngine())
		form := buildForm(t, formPart{"not-a-hash", "x.jpg", "image/png", []byte("1")})

		events := collect(t, f.pipeline.Process(context.Background(), form))
		require.Len(t, events, 2)
		assert.Equal(t, Event{"File form key is not a valid hash", CategoryError}, events[0])
		assert.Equal(t, Event{"No files were processed", CategoryWarning}, events[1])
	})

	t.Run("oversize part yields exactly one error", func(t *testing.T) {
		f := newFixture(t, Config{MaxImageSize: 5}, okEngine())
		data := []byte("123456789")
		form := buildForm(t, formPart{pagehash.FromBytes(data).String(), "big.png", "image/png", data})

		events := collect(t, f.pipeline.Process(context.Background(), form))
		errs := withCategory(events, CategoryError)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Message, "large")

		count, err := f.cache.Count(context.Background())
		require.NoError(t, err)
		assert.Zero(t, count, "no cache write on rejection")
	})

	t.Run("non-image content type", func(t *testing.T) {
		f := newFixture(t, Config{}, okEngine())
		form := buildForm(t, formPart{hashOne, "x.html", "text/html", []byte("1")})

		events := collect(t, f.pipeline.Process(context.Background(), form))
		errs := withCategory(events, CategoryError)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Message, "image")
	})

	t.Run("empty file", func(t *testing.T) {
		f := newFixture(t, Config{}, okEngine())
		form := buildForm(t, formPart{hashOne, "x.png", "image/png", nil})

		events := collect(t, f.pipeline.Process(context.Background(), form))
		errs := withCategory(events, CategoryError)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Message, "empty")
	})

	t.Run("hash mismatch without strict mode continues", func(t *testing.T) {
		f := newFixture(t, Config{}, okEngine())
		form := buildForm(t,
			formPart{"00000000000000000000000000000001", "fake.png", "image/png", []byte("1")},
			formPart{hashOne, "real.png", "image/png", []byte("1")},
		)

		events := collect(t, f.pipeline.Process(context.Background(), form))
		msgs := messages(events)
		assert.Contains(t, msgs[0], "hash does not match")
		assert.Contains(t, msgs, "Finished OCR of file real.png")
		assert.Contains(t, msgs, "Finished OCR of all 1 files")
	})

	t.Run("already cached", func(t *testing.T) {
		f := newFixture(t, Config{}, okEngine())
		require.NoError(t, f.cache.Set(context.Background(),
			pagehash.Hash(hashOne), cache.Encode([]byte(`{}`)), 0))

		form := buildForm(t, formPart{hashOne, "dup.png", "image/png", []byte("1")})
		events := collect(t, f.pipeline.Process(context.Background(), form))

		msgs := messages(events)
		assert.Contains(t, msgs[0], "in cache")
		assert.Equal(t, "No files were processed", msgs[len(msgs)-1])
	})
}

// failingCache simulates a backend configured to propagate its errors.
type failingCache struct {
	cache.Cache
}

func (failingCache) Has(context.Context, pagehash.Hash) (bool, error) {
	return false, fmt.Errorf("database is locked")
}

func TestCacheFailureAbortsBatch(t *testing.T) {
	cfg := Config{MaxImageSize: bytesize.MB, StagingDir: t.TempDir()}
	executor := ocr.NewExecutor(1)
	t.Cleanup(executor.Shutdown)
	coalescer := inflight.New(executor)

	var invocations atomic.Int32
	engine := ocr.EngineFunc(func(context.Context, string) (json.RawMessage, error) {
		invocations.Add(1)
		return json.RawMessage(`{}`), nil
	})
	model := ocr.NewModel(func() (ocr.Engine, error) { return engine, nil })

	p := New(cfg, failingCache{cache.NewMemory(cache.Config{})}, coalescer, model, nil, nil)

	form := buildForm(t, formPart{hashOne, "page1.jpg", "image/png", []byte("1")})
	events := collect(t, p.Process(context.Background(), form))

	require.Len(t, events, 2)
	assert.Equal(t, CategoryError, events[0].Category)
	assert.Contains(t, events[0].Message, "cache lookup")
	assert.Contains(t, events[1].Message, "aborting")

	assert.Zero(t, invocations.Load(), "nothing dispatches when the cache is down")
	assert.Zero(t, coalescer.Len())
	assert.Empty(t, stagedFiles(t, cfg.StagingDir))
}

func TestStrictMode(t *testing.T) {
	t.Run("hash mismatch aborts the batch", func(t *testing.T) {
		f := newFixture(t, Config{StrictNewImages: true}, okEngine())
		form := buildForm(t,
			formPart{hashOne, "good.png", "image/png", []byte("1")},
			formPart{"00000000000000000000000000000001", "bad.png", "image/png", []byte("1")},
			formPart{pagehash.FromBytes([]byte("3")).String(), "later.png", "image/png", []byte("3")},
		)

		events := collect(t, f.pipeline.Process(context.Background(), form))
		msgs := messages(events)

		require.Len(t, events, 2)
		assert.Contains(t, msgs[0], "hash")
		assert.Contains(t, strings.ToLower(msgs[1]), "unacceptable")

		// The batch never dispatches: no cache writes, no staged leftovers.
		count, err := f.cache.Count(context.Background())
		require.NoError(t, err)
		assert.Zero(t, count)
		assert.Empty(t, stagedFiles(t, f.pipeline.cfg.StagingDir))
	})

	t.Run("oversize aborts the batch", func(t *testing.T) {
		f := newFixture(t, Config{MaxImageSize: 5, StrictNewImages: true}, okEngine())
		data := []byte("123456789")
		form := buildForm(t, formPart{pagehash.FromBytes(data).String(), "big.png", "image/png", data})

		events := collect(t, f.pipeline.Process(context.Background(), form))
		require.Len(t, events, 2)
		assert.Contains(t, events[0].Message, "large")
		assert.Contains(t, strings.ToLower(events[1].Message), "unacceptable")
	})

	t.Run("invalid form key stays non-terminal", func(t *testing.T) {
		f := newFixture(t, Config{StrictNewImages: true}, okEngine())
		form := buildForm(t,
			formPart{"nope", "x.png", "image/png", []byte("1")},
			formPart{hashOne, "good.png", "image/png", []byte("1")},
		)

		events := collect(t, f.pipeline.Process(context.Background(), form))
		msgs := messages(events)
		assert.Contains(t, msgs, "Finished OCR of file good.png")
	})
}

func TestCoalescing(t *testing.T) {
	t.Run("concurrent batches share one OCR invocation", func(t *testing.T) {
		var invocations atomic.Int32
		gate := make(chan struct{})
		engine := ocr.EngineFunc(func(context.Context, string) (json.RawMessage, error) {
			invocations.Add(1)
			<-gate
			return json.RawMessage(`{}`), nil
		})
		f := newFixture(t, Config{}, engine)

		formA := buildForm(t, formPart{hashOne, "a.png", "image/png", []byte("1")})
		eventsA := f.pipeline.Process(context.Background(), formA)

		require.Eventually(t, func() bool {
			return f.coalescer.Contains(pagehash.Hash(hashOne))
		}, 2*time.Second, 5*time.Millisecond)

		formB := buildForm(t, formPart{hashOne, "b.png", "image/png", []byte("1")})
		eventsB := f.pipeline.Process(context.Background(), formB)

		close(gate)
		gotA := collect(t, eventsA)
		gotB := collect(t, eventsB)

		assert.EqualValues(t, 1, invocations.Load())
		assert.NotEmpty(t, withCategory(gotA, CategorySuccess))
		assert.NotEmpty(t, withCategory(gotB, CategorySuccess))
		assert.Contains(t, messages(gotB)[0], "in queue")
	})

	t.Run("duplicate hash within one batch runs once", func(t *testing.T) {
		var invocations atomic.Int32
		engine := ocr.EngineFunc(func(context.Context, string) (json.RawMessage, error) {
			invocations.Add(1)
			return json.RawMessage(`{}`), nil
		})
		f := newFixture(t, Config{}, engine)

		form := buildForm(t,
			formPart{hashOne, "first.png", "image/png", []byte("1")},
			formPart{hashOne, "second.png", "image/png", []byte("1")},
		)
		events := collect(t, f.pipeline.Process(context.Background(), form))

		assert.EqualValues(t, 1, invocations.Load())
		assert.Len(t, withCategory(events, CategorySuccess), 3) // two files + summary
		assert.Contains(t, messages(events), "Finished OCR of all 2 files")
		assert.Empty(t, stagedFiles(t, f.pipeline.cfg.StagingDir))
	})
}

func TestJobFailures(t *testing.T) {
	t.Run("unsupported image maps to the stable message", func(t *testing.T) {
		engine := ocr.EngineFunc(func(context.Context, string) (json.RawMessage, error) {
			return nil, ocr.ErrUnsupportedImage
		})
		f := newFixture(t, Config{}, engine)

		form := buildForm(t, formPart{hashOne, "anim.gif", "image/gif", []byte("1")})
		events := collect(t, f.pipeline.Process(context.Background(), form))

		errs := withCategory(events, CategoryError)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Message, ocr.UnsupportedImageMessage)

		count, err := f.cache.Count(context.Background())
		require.NoError(t, err)
		assert.Zero(t, count, "failed jobs must not write partial results")
	})

	t.Run("engine errors surface verbatim", func(t *testing.T) {
		engine := ocr.EngineFunc(func(context.Context, string) (json.RawMessage, error) {
			return nil, fmt.Errorf("model out of memory")
		})
		f := newFixture(t, Config{}, engine)

		form := buildForm(t, formPart{hashOne, "p.png", "image/png", []byte("1")})
		events := collect(t, f.pipeline.Process(context.Background(), form))

		errs := withCategory(events, CategoryError)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Message, "model out of memory")
		assert.False(t, f.coalescer.Contains(pagehash.Hash(hashOne)))
	})
}

func TestEventWireFormat(t *testing.T) {
	data, err := json.Marshal(Event{"Finished OCR of all 2 files", CategorySuccess})
	require.NoError(t, err)
	assert.JSONEq(t, `["Finished OCR of all 2 files","success"]`, string(data))

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`["oops","error"]`), &ev))
	assert.Equal(t, Event{"oops", CategoryError}, ev)
}

func TestSweepStaging(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		path := filepath.Join(dir, fmt.Sprintf("%s%d", stagingPrefix, i))
		require.NoError(t, os.WriteFile(path, []byte("stale"), 0600))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("x"), 0600))

	assert.Equal(t, 3, SweepStaging(dir))
	assert.Empty(t, stagedFiles(t, dir))

	_, err := os.Stat(filepath.Join(dir, "keep.txt"))
	assert.NoError(t, err, "unrelated files survive the sweep")
}

func stagedFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, stagingPrefix+"*"))
	require.NoError(t, err)
	return matches
}
