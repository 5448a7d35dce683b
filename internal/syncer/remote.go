// Package syncer drives queue consumption and sync execution against the
// backend.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/fieldproof/fieldproof/internal/entity"
)

// PushStatus classifies a successful round-trip to the backend.
type PushStatus int

const (
	// PushAccepted means the backend stored the entity.
	PushAccepted PushStatus = iota
	// PushConflict means the backend holds a newer or diverged version;
	// Remote carries its snapshot.
	PushConflict
)

// PushResult is the backend's answer to a push.
type PushResult struct {
	Status        PushStatus
	ServerVersion int64
	Remote        json.RawMessage // populated on PushConflict
}

// ErrNotFound is returned by Fetch for unknown entities.
var ErrNotFound = errors.New("entity not found on backend")

// Remote is the backend API surface the sync core consumes. Implementations
// must classify their failures via RemoteError so the orchestrator can pick
// retry or fail-fast.
type Remote interface {
	// Push sends an entity snapshot. The operation is "create", "update",
	// or "delete" (delete pushes a tombstone).
	Push(ctx context.Context, et entity.Type, id, operation string, body json.RawMessage) (*PushResult, error)

	// Fetch retrieves the backend's snapshot of an entity, or ErrNotFound.
	Fetch(ctx context.Context, et entity.Type, id string, sinceVersion int64) (json.RawMessage, error)
}

// ErrorKind is the error taxonomy driving retry policy.
type ErrorKind int

const (
	// KindTransient covers timeouts, 5xx, and store busy errors: retried
	// up to the task's max attempts.
	KindTransient ErrorKind = iota
	// KindPermanent covers 4xx semantic rejections and malformed payloads:
	// failed immediately, never retried.
	KindPermanent
	// KindUnreachable means connectivity is gone: the pass aborts and the
	// in-flight task is recovered by the startup sweep.
	KindUnreachable
)

// RemoteError classifies a failed remote call.
type RemoteError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote error (%d): %s", e.StatusCode, e.Message)
	}
	return "remote error: " + e.Message
}

// IsTransient reports whether err should be retried. Deadline expiry and
// network timeouts count as transient; connectivity loss is reported
// separately by IsUnreachable.
func IsTransient(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind == KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsUnreachable reports whether err means the network is gone entirely.
func IsUnreachable(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind == KindUnreachable
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind == KindPermanent
	}
	return false
}

// HTTPRemote talks to the fieldproof backend over HTTP.
type HTTPRemote struct {
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

// NewHTTPRemote creates a Remote for baseURL. Every call carries the given
// timeout; a timeout surfaces as a transient error.
func NewHTTPRemote(baseURL string, timeout time.Duration, logger *log.Logger) *HTTPRemote {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &HTTPRemote{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type pushResponse struct {
	ServerVersion int64           `json:"server_version"`
	Remote        json.RawMessage `json:"remote,omitempty"`
}

// Push implements Remote.
func (r *HTTPRemote) Push(ctx context.Context, et entity.Type, id, operation string, body json.RawMessage) (*PushResult, error) {
	endpoint := fmt.Sprintf("%s/api/v1/%s/%s?op=%s", r.baseURL, url.PathEscape(string(et)), url.PathEscape(id), url.QueryEscape(operation))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &RemoteError{Kind: KindPermanent, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &RemoteError{Kind: KindTransient, Message: "truncated response: " + err.Error()}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var pr pushResponse
		if len(data) > 0 {
			if err := json.Unmarshal(data, &pr); err != nil {
				return nil, &RemoteError{Kind: KindPermanent, StatusCode: resp.StatusCode,
					Message: "malformed accept response: " + err.Error()}
			}
		}
		return &PushResult{Status: PushAccepted, ServerVersion: pr.ServerVersion}, nil

	case resp.StatusCode == http.StatusConflict:
		var pr pushResponse
		if err := json.Unmarshal(data, &pr); err != nil {
			return nil, &RemoteError{Kind: KindPermanent, StatusCode: resp.StatusCode,
				Message: "malformed conflict response: " + err.Error()}
		}
		return &PushResult{Status: PushConflict, ServerVersion: pr.ServerVersion, Remote: pr.Remote}, nil

	default:
		return nil, classifyStatus(resp.StatusCode, data)
	}
}

// Fetch implements Remote.
func (r *HTTPRemote) Fetch(ctx context.Context, et entity.Type, id string, sinceVersion int64) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/api/v1/%s/%s?since=%d", r.baseURL, url.PathEscape(string(et)), url.PathEscape(id), sinceVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &RemoteError{Kind: KindPermanent, Message: err.Error()}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &RemoteError{Kind: KindTransient, Message: "truncated response: " + err.Error()}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return data, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, classifyStatus(resp.StatusCode, data)
	}
}

func classifyTransportError(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &RemoteError{Kind: KindTransient, Message: err.Error()}
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return &RemoteError{Kind: KindUnreachable, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RemoteError{Kind: KindTransient, Message: err.Error()}
	}
	return &RemoteError{Kind: KindUnreachable, Message: err.Error()}
}

func classifyStatus(code int, body []byte) error {
	msg := http.StatusText(code)
	if len(body) > 0 && len(body) < 512 {
		msg = string(body)
	}
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return &RemoteError{Kind: KindTransient, StatusCode: code, Message: msg}
	default:
		return &RemoteError{Kind: KindPermanent, StatusCode: code, Message: msg}
	}
}
