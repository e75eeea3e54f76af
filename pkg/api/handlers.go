// Package api exposes the OCR coordination service over HTTP: hash queries,
// page uploads with streamed progress, and overlay rendering.
package api

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strings"

	"github.com/LearnCodeWithH/mokuro-online/internal/logger"
	"github.com/LearnCodeWithH/mokuro-online/pkg/cache"
	"github.com/LearnCodeWithH/mokuro-online/pkg/inflight"
	"github.com/LearnCodeWithH/mokuro-online/pkg/pagehash"
	"github.com/LearnCodeWithH/mokuro-online/pkg/render"
	"github.com/LearnCodeWithH/mokuro-online/pkg/upload"
)

// Handler carries the service dependencies for the /v1 endpoints.
type Handler struct {
	cache     cache.Cache
	coalescer *inflight.Coalescer
	pipeline  *upload.Pipeline
	renderer  render.Renderer
}

// NewHandler creates the /v1 endpoint handler.
func NewHandler(store cache.Cache, coalescer *inflight.Coalescer, pipeline *upload.Pipeline, renderer render.Renderer) *Handler {
	return &Handler{
		cache:     store,
		coalescer: coalescer,
		pipeline:  pipeline,
		renderer:  renderer,
	}
}

// HashCheck partitions the posted hashes into "new" (neither cached nor in
// flight) and "queue" (currently in flight). Cached hashes are omitted from
// both lists.
func (h *Handler) HashCheck(w http.ResponseWriter, r *http.Request) {
	hashes, ok := h.readHashList(w, r)
	if !ok {
		return
	}

	present, err := h.cache.HasMany(r.Context(), hashes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cache lookup failed")
		logger.Error("hash_check cache lookup failed", "error", err)
		return
	}
	cached := make(map[pagehash.Hash]struct{}, len(present))
	for _, hash := range present {
		cached[hash] = struct{}{}
	}

	newHashes := []pagehash.Hash{}
	queued := []pagehash.Hash{}
	for _, hash := range hashes {
		if _, ok := cached[hash]; ok {
			continue
		}
		if h.coalescer.Contains(hash) {
			queued = append(queued, hash)
		} else {
			newHashes = append(newHashes, hash)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"new":   newHashes,
		"queue": queued,
	})
}

// OCR returns cached results for the posted hashes. Hits land in "ocr",
// misses in "new". A value that fails to decode counts as a miss.
func (h *Handler) OCR(w http.ResponseWriter, r *http.Request) {
	hashes, ok := h.readHashList(w, r)
	if !ok {
		return
	}

	values, err := h.cache.GetMany(r.Context(), hashes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cache lookup failed")
		logger.Error("ocr cache lookup failed", "error", err)
		return
	}

	results := map[pagehash.Hash]json.RawMessage{}
	missing := []pagehash.Hash{}
	for i, hash := range hashes {
		if values[i] == nil {
			missing = append(missing, hash)
			continue
		}
		result, err := cache.Decode(values[i])
		if err != nil {
			logger.Warn("corrupt cache entry read as miss", "hash", hash, "error", err)
			missing = append(missing, hash)
			continue
		}
		results[hash] = result
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ocr": results,
		"new": missing,
	})
}

// NewPages accepts the multipart page upload and responds with progress
// events: JSONL when ?stream=1, a single JSON array otherwise.
func (h *Handler) NewPages(w http.ResponseWriter, r *http.Request) {
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusUnsupportedMediaType, "expected a multipart form upload")
		return
	}

	events := h.pipeline.Process(r.Context(), reader)

	if streamRequested(r) {
		h.streamEvents(w, events)
		return
	}

	collected := []upload.Event{}
	for ev := range events {
		collected = append(collected, ev)
	}
	writeJSON(w, http.StatusOK, collected)
}

func (h *Handler) streamEvents(w http.ResponseWriter, events <-chan upload.Event) {
	w.Header().Set("Content-Type", "application/jsonlines")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			// Client gone; drain so the pipeline can finish.
			for range events {
			}
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// makeHTMLRequest is the /v1/make_html body: a document title plus the
// ordered list of [image_path, hash] pairs to render.
type makeHTMLRequest struct {
	Title   string      `json:"title"`
	PageMap [][2]string `json:"page_map"`
}

// MakeHTML renders cached pages into the overlay viewer document.
func (h *Handler) MakeHTML(w http.ResponseWriter, r *http.Request) {
	var req makeHTMLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnsupportedMediaType, "expected {title, page_map} JSON body")
		return
	}
	if len(req.PageMap) == 0 {
		writeError(w, http.StatusUnsupportedMediaType, "page_map must not be empty")
		return
	}

	title := strings.TrimSpace(req.Title)
	paths := make([]string, 0, len(req.PageMap))
	hashes := make([]pagehash.Hash, 0, len(req.PageMap))
	for _, pair := range req.PageMap {
		path := strings.TrimSpace(pair[0])
		if path == "" {
			writeError(w, http.StatusUnsupportedMediaType, "page_map contains an empty image path")
			return
		}
		hash, err := pagehash.Parse(pair[1])
		if err != nil {
			writeError(w, http.StatusUnsupportedMediaType, "page_map contains an invalid hash")
			return
		}
		paths = append(paths, path)
		hashes = append(hashes, hash)
	}

	values, err := h.cache.GetMany(r.Context(), hashes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cache lookup failed")
		logger.Error("make_html cache lookup failed", "error", err)
		return
	}

	pages := make([]template.HTML, 0, len(values))
	for i, val := range values {
		if val == nil {
			writeError(w, http.StatusBadRequest, "Asked for page not in cache")
			return
		}
		result, err := cache.Decode(val)
		if err != nil {
			logger.Warn("corrupt cache entry read as miss", "hash", hashes[i], "error", err)
			writeError(w, http.StatusBadRequest, "Asked for page not in cache")
			return
		}
		page, err := h.renderer.PageHTML(result, paths[i])
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to render page "+paths[i])
			logger.Error("page render failed", "hash", hashes[i], "error", err)
			return
		}
		pages = append(pages, page)
	}

	doc, err := h.renderer.Render(pages, title+render.TitleSuffix)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to render document")
		logger.Error("document render failed", "error", err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc))
}

// readHashList parses the JSON array-of-hashes body shared by hash_check
// and ocr. Any structural or hash syntax problem yields 415.
func (h *Handler) readHashList(w http.ResponseWriter, r *http.Request) ([]pagehash.Hash, bool) {
	var raw []string
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusUnsupportedMediaType, "expected a JSON array of hashes")
		return nil, false
	}

	hashes := make([]pagehash.Hash, 0, len(raw))
	for _, s := range raw {
		hash, err := pagehash.Parse(s)
		if err != nil {
			writeError(w, http.StatusUnsupportedMediaType, "invalid hash: "+s)
			return nil, false
		}
		hashes = append(hashes, hash)
	}
	return hashes, true
}

func streamRequested(r *http.Request) bool {
	switch r.URL.Query().Get("stream") {
	case "1", "true", "yes":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
