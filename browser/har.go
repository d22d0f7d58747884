package browser

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// HAR 1.2 subset written by the chromedp driver. Playwright writes its own.
type harLog struct {
	Log harBody `json:"log"`
}

type harBody struct {
	Version string     `json:"version"`
	Creator harCreator `json:"creator"`
	Entries []harEntry `json:"entries"`
}

type harCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type harEntry struct {
	StartedDateTime time.Time   `json:"startedDateTime"`
	Time            float64     `json:"time"`
	Request         harRequest  `json:"request"`
	Response        harResponse `json:"response"`
	Timings         harTimings  `json:"timings"`
}

type harHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type harRequest struct {
	Method      string      `json:"method"`
	URL         string      `json:"url"`
	HTTPVersion string      `json:"httpVersion"`
	Headers     []harHeader `json:"headers"`
	HeadersSize int         `json:"headersSize"`
	BodySize    int         `json:"bodySize"`
}

type harResponse struct {
	Status      int         `json:"status"`
	StatusText  string      `json:"statusText"`
	HTTPVersion string      `json:"httpVersion"`
	Headers     []harHeader `json:"headers"`
	Content     harContent  `json:"content"`
	HeadersSize int         `json:"headersSize"`
	BodySize    int64       `json:"bodySize"`
}

type harContent struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

type harTimings struct {
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}

type harPending struct {
	entry    harEntry
	finished bool
}

// harRecorder assembles entries from request, response and completion events.
type harRecorder struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*harPending
}

func newHARRecorder() *harRecorder {
	return &harRecorder{entries: make(map[string]*harPending)}
}

func toHeaders(h map[string]interface{}) []harHeader {
	out := make([]harHeader, 0, len(h))
	for k, v := range h {
		out = append(out, harHeader{Name: k, Value: fmt.Sprint(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *harRecorder) onRequest(id, method, url string, headers map[string]interface{}, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		r.order = append(r.order, id)
	}
	r.entries[id] = &harPending{entry: harEntry{
		StartedDateTime: at,
		Request: harRequest{
			Method:      method,
			URL:         url,
			HTTPVersion: "HTTP/1.1",
			Headers:     toHeaders(headers),
			HeadersSize: -1,
			BodySize:    -1,
		},
		Response: harResponse{HTTPVersion: "HTTP/1.1", HeadersSize: -1, BodySize: -1},
		Timings:  harTimings{Send: 0, Wait: -1, Receive: 0},
	}}
}

func (r *harRecorder) onResponse(id string, status int, statusText, mimeType, protocol string, headers map[string]interface{}, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[id]
	if !ok {
		return
	}
	p.entry.Response.Status = status
	p.entry.Response.StatusText = statusText
	p.entry.Response.Headers = toHeaders(headers)
	p.entry.Response.Content.MimeType = mimeType
	if protocol != "" {
		p.entry.Response.HTTPVersion = protocol
	}
	p.entry.Timings.Wait = float64(at.Sub(p.entry.StartedDateTime).Milliseconds())
}

func (r *harRecorder) onFinished(id string, size int64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[id]
	if !ok {
		return
	}
	p.finished = true
	p.entry.Response.BodySize = size
	p.entry.Response.Content.Size = size
	p.entry.Time = float64(at.Sub(p.entry.StartedDateTime).Milliseconds())
}

// Write stores the recorded entries at path in request order.
func (r *harRecorder) Write(path string) error {
	r.mu.Lock()
	entries := make([]harEntry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.entries[id].entry)
	}
	r.mu.Unlock()

	doc := harLog{Log: harBody{
		Version: "1.2",
		Creator: harCreator{Name: "ui-verdict", Version: "1"},
		Entries: entries,
	}}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal har: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create har directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
