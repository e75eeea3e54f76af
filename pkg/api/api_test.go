package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LearnCodeWithH/mokuro-online/internal/bytesize"
	"github.com/LearnCodeWithH/mokuro-online/pkg/cache"
	"github.com/LearnCodeWithH/mokuro-online/pkg/inflight"
	"github.com/LearnCodeWithH/mokuro-online/pkg/ocr"
	"github.com/LearnCodeWithH/mokuro-online/pkg/pagehash"
	"github.com/LearnCodeWithH/mokuro-online/pkg/render"
	"github.com/LearnCodeWithH/mokuro-online/pkg/upload"
)

const (
	hashOne   = "c4ca4238a0b923820dcc509a6f75849b" // md5("1")
	hashTwo   = "c81e728d9d4c2f636f067f89cc14862c" // md5("2")
	hashThree = "eccbc87e4b5ce2fe28308fd9f2a7baf3" // md5("3")

	sampleResult = `{"version":"0.1.7","img_width":1350,"img_height":1920,"blocks":[]}`
)

type testServer struct {
	router    http.Handler
	cache     cache.Cache
	coalescer *inflight.Coalescer
	renderer  render.Renderer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := cache.NewMemory(cache.Config{})
	executor := ocr.NewExecutor(1)
	t.Cleanup(executor.Shutdown)
	coalescer := inflight.New(executor)
	model := ocr.NewModel(func() (ocr.Engine, error) {
		return ocr.EngineFunc(func(context.Context, string) (json.RawMessage, error) {
			return json.RawMessage(sampleResult), nil
		}), nil
	})
	pipeline := upload.New(upload.Config{
		MaxImageSize: bytesize.MB,
		StagingDir:   t.TempDir(),
	}, store, coalescer, model, nil, nil)
	renderer := render.NewHTML()

	handler := NewHandler(store, coalescer, pipeline, renderer)
	return &testServer{
		router:    NewRouter(handler, t.TempDir(), 5*time.Second),
		cache:     store,
		coalescer: coalescer,
		renderer:  renderer,
	}
}

func (ts *testServer) postJSON(t *testing.T, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) seed(t *testing.T, hash, result string) {
	t.Helper()
	require.NoError(t, ts.cache.Set(context.Background(),
		pagehash.Hash(hash), cache.Encode(json.RawMessage(result)), 0))
}

// holdInQueue parks a job for hash until the returned release func runs.
func (ts *testServer) holdInQueue(t *testing.T, hash string) (release func()) {
	t.Helper()
	gate := make(chan struct{})
	job, admitted := ts.coalescer.SubmitOrJoin(pagehash.Hash(hash), "held.jpg", "", func(j *inflight.Job) {
		<-gate
		ts.coalescer.Drop(j.Hash)
		j.Resolve(nil, fmt.Errorf("released without running"))
	})
	require.True(t, admitted)
	return func() {
		close(gate)
		<-job.Done()
	}
}

func TestHashCheck(t *testing.T) {
	t.Run("partitions cached, queued and new", func(t *testing.T) {
		ts := newTestServer(t)
		ts.seed(t, hashOne, sampleResult)
		release := ts.holdInQueue(t, hashTwo)
		defer release()

		rec := ts.postJSON(t, "/v1/hash_check",
			fmt.Sprintf(`["%s","%s","%s"]`, hashOne, hashTwo, hashThree))

		require.Equal(t, http.StatusOK, rec.Code)
		var got struct {
			New   []string `json:"new"`
			Queue []string `json:"queue"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, []string{hashThree}, got.New)
		assert.Equal(t, []string{hashTwo}, got.Queue)
	})

	t.Run("uppercase input is canonicalized", func(t *testing.T) {
		ts := newTestServer(t)
		ts.seed(t, hashOne, sampleResult)

		rec := ts.postJSON(t, "/v1/hash_check",
			fmt.Sprintf(`["%s"]`, strings.ToUpper(hashOne)))

		require.Equal(t, http.StatusOK, rec.Code)
		var got map[string][]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Empty(t, got["new"], "cached hash must be omitted regardless of input case")
		assert.Empty(t, got["queue"])
	})

	t.Run("malformed body yields 415", func(t *testing.T) {
		ts := newTestServer(t)
		for _, body := range []string{`{"not":"array"}`, `not json`, `["zz"]`, `[1,2]`} {
			rec := ts.postJSON(t, "/v1/hash_check", body)
			assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code, "body %q", body)
			assert.Contains(t, rec.Body.String(), "error")
		}
	})

	t.Run("empty list is valid", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.postJSON(t, "/v1/hash_check", `[]`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"new":[],"queue":[]}`, rec.Body.String())
	})
}

func TestOCREndpoint(t *testing.T) {
	t.Run("splits hits and misses", func(t *testing.T) {
		ts := newTestServer(t)
		ts.seed(t, hashOne, sampleResult)

		rec := ts.postJSON(t, "/v1/ocr", fmt.Sprintf(`["%s","%s"]`, hashOne, hashTwo))

		require.Equal(t, http.StatusOK, rec.Code)
		var got struct {
			OCR map[string]json.RawMessage `json:"ocr"`
			New []string                   `json:"new"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Contains(t, got.OCR, hashOne)
		assert.JSONEq(t, sampleResult, string(got.OCR[hashOne]))
		assert.Equal(t, []string{hashTwo}, got.New)
	})

	t.Run("corrupt entry reads as miss", func(t *testing.T) {
		ts := newTestServer(t)
		require.NoError(t, ts.cache.Set(context.Background(),
			pagehash.Hash(hashOne), []byte("garbage-no-codec-prefix"), 0))

		rec := ts.postJSON(t, "/v1/ocr", fmt.Sprintf(`["%s"]`, hashOne))

		require.Equal(t, http.StatusOK, rec.Code)
		var got struct {
			New []string `json:"new"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, []string{hashOne}, got.New)
	})
}

func TestNewPages(t *testing.T) {
	buildUpload := func(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
		t.Helper()
		var body bytes.Buffer
		w := multipart.NewWriter(&body)
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, filename))
		h.Set("Content-Type", "image/png")
		pw, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = pw.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		return &body, w.FormDataContentType()
	}

	t.Run("buffered response is a JSON event array", func(t *testing.T) {
		ts := newTestServer(t)
		body, contentType := buildUpload(t, hashOne, "page1.jpg", []byte("1"))

		req := httptest.NewRequest(http.MethodPost, "/v1/new_pages", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

		var events []upload.Event
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
		require.Len(t, events, 2)
		assert.Equal(t, "Finished OCR of file page1.jpg", events[0].Message)
		assert.Equal(t, upload.CategorySuccess, events[0].Category)

		has, err := ts.cache.Has(context.Background(), pagehash.Hash(hashOne))
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("stream=1 responds with JSONL", func(t *testing.T) {
		ts := newTestServer(t)
		body, contentType := buildUpload(t, hashOne, "page1.jpg", []byte("1"))

		req := httptest.NewRequest(http.MethodPost, "/v1/new_pages?stream=1", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/jsonlines", rec.Header().Get("Content-Type"))

		lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
		require.Len(t, lines, 2)
		for _, line := range lines {
			var pair [2]string
			require.NoError(t, json.Unmarshal([]byte(line), &pair), "line %q", line)
		}
	})

	t.Run("non-multipart body yields 415", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.postJSON(t, "/v1/new_pages", `{"not":"multipart"}`)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})
}

func TestMakeHTML(t *testing.T) {
	t.Run("renders cached pages", func(t *testing.T) {
		ts := newTestServer(t)
		hash := "00000000000000000000000000000001"
		ts.seed(t, hash, sampleResult)

		rec := ts.postJSON(t, "/v1/make_html", fmt.Sprintf(
			`{"title":"Chapter 1.1","page_map":[["page1.jpg","%s"]]}`, hash))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

		page, err := ts.renderer.PageHTML(json.RawMessage(sampleResult), "page1.jpg")
		require.NoError(t, err)
		want, err := ts.renderer.Render([]template.HTML{page}, "Chapter 1.1 | mokuro")
		require.NoError(t, err)
		assert.Equal(t, want, rec.Body.String())
	})

	t.Run("missing page yields 400", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.postJSON(t, "/v1/make_html", fmt.Sprintf(
			`{"title":"c1","page_map":[["p.jpg","%s"]]}`, hashOne))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "Asked for page not in cache")
	})

	t.Run("title and paths are stripped, hashes lowercased", func(t *testing.T) {
		ts := newTestServer(t)
		ts.seed(t, hashOne, sampleResult)

		rec := ts.postJSON(t, "/v1/make_html", fmt.Sprintf(
			`{"title":"  Chapter 2  ","page_map":[[" page1.jpg ","%s"]]}`,
			strings.ToUpper(hashOne)))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "<title>Chapter 2 | mokuro</title>")
		assert.Contains(t, rec.Body.String(), "page1.jpg")
	})

	t.Run("schema violations yield 415", func(t *testing.T) {
		ts := newTestServer(t)
		for _, body := range []string{
			`not json`,
			`{}`,
			`{"title":"t","page_map":[]}`,
			`{"title":"t","page_map":[["","` + hashOne + `"]]}`,
			`{"title":"t","page_map":[["p.jpg","nope"]]}`,
		} {
			rec := ts.postJSON(t, "/v1/make_html", body)
			assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code, "body %q", body)
			assert.Contains(t, rec.Body.String(), "error")
		}
	})
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
