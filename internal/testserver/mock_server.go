// Package testserver provides a mock Elasticsearch document endpoint for
// integration tests.
package testserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// IndexCall is one recorded document index request.
type IndexCall struct {
	Index      string
	DocumentID string
	Document   map[string]any
}

// MockServer emulates the Elasticsearch index API used by the logger.
type MockServer struct {
	srv *httptest.Server

	mu        sync.Mutex
	calls     []IndexCall
	responses []int

	callCh chan IndexCall
}

// StartMockServer boots the fake backend. It answers the client's product
// check (GET /) and accepts PUT {index}/_doc/{id} writes.
func StartMockServer() *MockServer {
	ms := &MockServer{
		callCh: make(chan IndexCall, 100),
	}
	ms.srv = httptest.NewServer(http.HandlerFunc(ms.handle))
	return ms
}

func (m *MockServer) handle(w http.ResponseWriter, r *http.Request) {
	// The v8 client refuses to talk to servers missing this header.
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodGet && r.URL.Path == "/" {
		_, _ = w.Write([]byte(`{"name":"testserver","version":{"number":"8.14.0"},"tagline":"You Know, for Search"}`))
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if r.Method != http.MethodPut || len(parts) != 3 || parts[1] != "_doc" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"unsupported request"}`))
		return
	}
	index, docID := parts[0], parts[2]

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"malformed document"}`))
		return
	}

	call := IndexCall{Index: index, DocumentID: docID, Document: doc}

	m.mu.Lock()
	status := http.StatusCreated
	if len(m.responses) > 0 {
		status = m.responses[0]
		m.responses = m.responses[1:]
	}
	if status >= 200 && status < 300 {
		m.calls = append(m.calls, call)
		select {
		case m.callCh <- call:
		default:
		}
	}
	m.mu.Unlock()

	w.WriteHeader(status)
	if status >= 200 && status < 300 {
		_, _ = fmt.Fprintf(w, `{"_index":%q,"_id":%q,"result":"created"}`, index, docID)
	} else {
		_, _ = w.Write([]byte(`{"error":"scripted failure"}`))
	}
}

// URL returns the backend address for client configuration.
func (m *MockServer) URL() string {
	return m.srv.URL
}

// SetResponses scripts the HTTP statuses for subsequent index requests.
func (m *MockServer) SetResponses(statuses []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append([]int(nil), statuses...)
}

// Calls returns a snapshot of all accepted index requests.
func (m *MockServer) Calls() []IndexCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]IndexCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// WaitForCall blocks until an index request is accepted or the timeout
// elapses.
func (m *MockServer) WaitForCall(timeout time.Duration) (IndexCall, error) {
	select {
	case call := <-m.callCh:
		return call, nil
	case <-time.After(timeout):
		return IndexCall{}, fmt.Errorf("timeout waiting for index call")
	}
}

// Stop shuts down the server. The call channel is left open so a
// WaitForCall racing shutdown times out instead of reading a zero value.
func (m *MockServer) Stop() {
	if m == nil || m.srv == nil {
		return
	}
	m.srv.Close()
}
