package felk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// ErrIncompleteTransaction is returned by NewEvent when the transaction
// snapshot is missing facts the event model requires.
var ErrIncompleteTransaction = errors.New("incomplete transaction")

var priorityClientIPHeaders = []string{
	"cf-connecting-ip",
	"x-vercel-forwarded-for",
	"x-forwarded-for",
	"x-real-ip",
	"x-cluster-client-ip",
	"fastly-client-ip",
}

// Transaction is the transport-neutral snapshot of one finished HTTP
// exchange. Adapters fill it after the response has been written; the
// event factory reads it and nothing mutates it afterwards.
type Transaction struct {
	Method          string
	Host            string
	Route           string
	Scheme          string
	Port            string
	RemoteAddr      string
	StatusCode      int
	RequestHeaders  map[string][]string
	ResponseHeaders map[string][]string
	RequestBody     []byte
	ResponseBody    []byte
}

func (t Transaction) userAgent() string {
	for key, values := range t.RequestHeaders {
		if strings.EqualFold(key, "User-Agent") && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

// responseHeader reports the first value of the named response header and
// whether the header was present at all, so an empty value stays
// distinguishable from an absent one.
func (t Transaction) responseHeader(name string) (string, bool) {
	for key, values := range t.ResponseHeaders {
		if strings.EqualFold(key, name) && len(values) > 0 {
			return values[0], true
		}
	}
	return "", false
}

// Event is the immutable record of one HTTP transaction, fully populated
// before it is handed to any Logger.
type Event struct {
	Timestamp       int64
	Method          string
	Host            string
	Route           string
	StatusCode      int
	RequestHeaders  string
	ResponseHeaders string
	RequestBody     string
	ResponseBody    string
	IP              string
	Scheme          string
	Port            string
	Environment     string
	ResponseTimeMS  int64
	RequestID       *string

	id string
}

// NewEvent builds an event from a finished transaction. Pure construction:
// no I/O, no side effects. The header maps are flattened into JSON-encoded
// string fields to fit the document-store schema.
func NewEvent(tx Transaction, environment string, responseTimeMS, timestamp int64, requestID *string) (*Event, error) {
	if tx.Method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrIncompleteTransaction)
	}
	if tx.StatusCode == 0 {
		return nil, fmt.Errorf("%w: missing status code", ErrIncompleteTransaction)
	}

	reqHeaders, err := encodeHeaders(tx.RequestHeaders)
	if err != nil {
		return nil, fmt.Errorf("encode request headers: %w", err)
	}
	resHeaders, err := encodeHeaders(tx.ResponseHeaders)
	if err != nil {
		return nil, fmt.Errorf("encode response headers: %w", err)
	}

	return &Event{
		Timestamp:       timestamp,
		Method:          strings.ToUpper(tx.Method),
		Host:            tx.Host,
		Route:           tx.Route,
		StatusCode:      tx.StatusCode,
		RequestHeaders:  reqHeaders,
		ResponseHeaders: resHeaders,
		RequestBody:     string(tx.RequestBody),
		ResponseBody:    string(tx.ResponseBody),
		IP:              clientIP(tx.RequestHeaders, tx.RemoteAddr),
		Scheme:          tx.Scheme,
		Port:            tx.Port,
		Environment:     environment,
		ResponseTimeMS:  responseTimeMS,
		RequestID:       requestID,
		id:              uuid.NewString(),
	}, nil
}

// UniqueID returns the identifier fixed at construction, used as the
// storage document id.
func (e *Event) UniqueID() string {
	return e.id
}

// Document returns the field mapping ready for serialization into the
// backend's storage schema.
func (e *Event) Document() map[string]any {
	doc := map[string]any{
		"timestamp":        e.Timestamp,
		"method":           e.Method,
		"host":             e.Host,
		"route":            e.Route,
		"status_code":      e.StatusCode,
		"request_headers":  e.RequestHeaders,
		"response_headers": e.ResponseHeaders,
		"request_body":     e.RequestBody,
		"response_body":    e.ResponseBody,
		"ip":               e.IP,
		"scheme":           e.Scheme,
		"port":             e.Port,
		"environment":      e.Environment,
		"response_time_ms": e.ResponseTimeMS,
	}
	if e.RequestID != nil {
		doc["request_id"] = *e.RequestID
	} else {
		doc["request_id"] = nil
	}
	return doc
}

func encodeHeaders(headers map[string][]string) (string, error) {
	if headers == nil {
		headers = map[string][]string{}
	}
	raw, err := json.Marshal(headers)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func clientIP(headers map[string][]string, remoteAddr string) string {
	lowered := make(map[string]string, len(headers))
	for key, values := range headers {
		lowered[strings.ToLower(key)] = strings.Join(values, ", ")
	}

	for _, name := range priorityClientIPHeaders {
		if value, ok := lowered[name]; ok {
			if ip := firstIPFromList(value); ip != "" {
				return ip
			}
		}
	}

	if peer := peerIPFromRemoteAddr(remoteAddr); validIP(peer) {
		return normalizeIP(peer)
	}

	return ""
}

func firstIPFromList(value string) string {
	for _, part := range strings.Split(value, ",") {
		trimmed := strings.Trim(strings.TrimSpace(part), "\"")
		if validIP(trimmed) {
			return normalizeIP(trimmed)
		}
	}
	return ""
}

func validIP(value string) bool {
	if value == "" {
		return false
	}
	return net.ParseIP(normalizeIP(value)) != nil
}

func normalizeIP(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "[")
	return strings.TrimSuffix(value, "]")
}

func peerIPFromRemoteAddr(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
