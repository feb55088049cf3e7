// Package broker mediates between the orchestrator and the human. Every
// question becomes a request file in the run's log directory; any channel
// (terminal, Telegram, or a human editing files by hand) answers by
// writing the matching response file. The orchestrator blocks on the
// response, so runs survive the human walking away for hours.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/ShayCichocki/orc/internal/state"
)

// Kind distinguishes the three request flavors.
type Kind string

const (
	// KindUserInput asks the user to answer agent questions.
	KindUserInput Kind = "user_input"
	// KindInitialTask asks the user for the task when none was given.
	KindInitialTask Kind = "initial_task"
	// KindAdminDecision asks the operator to pick between options.
	KindAdminDecision Kind = "admin_decision"
)

// awaitingFlag maps a kind to its state flag.
func awaitingFlag(kind Kind) string {
	return "awaiting_" + string(kind)
}

// Request is the on-disk question document.
type Request struct {
	ID        string `json:"request_id"`
	Kind      Kind   `json:"kind"`
	CreatedAt string `json:"created_at"`
	// Questions are the agent questions for user_input requests.
	Questions []string `json:"questions,omitempty"`
	// Prompt is the operator-facing text for admin_decision and
	// initial_task requests.
	Prompt string `json:"prompt,omitempty"`
	// Options are the numbered choices for admin_decision requests.
	Options []string `json:"options,omitempty"`
	// Context is supporting detail (summaries, errors) shown to the human.
	Context string `json:"context,omitempty"`
}

// Response is the on-disk answer document.
type Response struct {
	ID string `json:"request_id"`
	// Answers parallel the request's questions.
	Answers []string `json:"answers,omitempty"`
	// Task answers an initial_task request.
	Task string `json:"task,omitempty"`
	// Choice is the 1-based option index for admin_decision responses.
	Choice int `json:"choice,omitempty"`
	// Notes is free-form operator commentary.
	Notes string `json:"notes,omitempty"`
}

// Notifier pushes a request to a human-facing channel. Implementations
// must not block on the human; delivery failure is logged, not fatal,
// because the file rendezvous still works.
type Notifier interface {
	Notify(ctx context.Context, req *Request) error
}

// Broker owns the request/response file rendezvous for one run.
type Broker struct {
	dir       string
	store     *state.Store
	notifiers []Notifier
	// poll is the fallback scan interval when fsnotify misses events.
	poll time.Duration
	// timeout bounds one Ask. Zero waits forever.
	timeout time.Duration
}

// Option configures a Broker.
type Option func(*Broker)

// WithNotifier registers a delivery channel.
func WithNotifier(n Notifier) Option {
	return func(b *Broker) { b.notifiers = append(b.notifiers, n) }
}

// WithPollInterval overrides the fallback poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) { b.poll = d }
}

// WithTimeout bounds each Ask call.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) { b.timeout = d }
}

// New creates a Broker exchanging files in the run's log directory.
func New(store *state.Store, opts ...Option) *Broker {
	b := &Broker{
		dir:   store.LogDir(),
		store: store,
		poll:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dir returns the rendezvous directory.
func (b *Broker) Dir() string { return b.dir }

func requestPath(dir string, kind Kind, id string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_request_%s.json", kind, id))
}

func responsePath(dir string, kind Kind, id string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_response_%s.json", kind, id))
}

// writeJSON writes doc atomically: temp file, fsync, rename.
func writeJSON(path string, doc any) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Ask publishes a request and blocks until its response file appears.
// The request file is deleted once the response is read, and the
// awaiting flag in run state is set for the wait's duration.
func (b *Broker) Ask(ctx context.Context, req *Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()[:8]
	}
	req.CreatedAt = time.Now().UTC().Format(time.RFC3339)

	reqPath := requestPath(b.dir, req.Kind, req.ID)
	if err := writeJSON(reqPath, req); err != nil {
		return nil, fmt.Errorf("write %s request: %w", req.Kind, err)
	}
	if err := b.store.UpdateMany(map[string]any{
		awaitingFlag(req.Kind): true,
		"pending_request_id":   req.ID,
	}); err != nil {
		return nil, err
	}
	b.store.AppendHistory(fmt.Sprintf("%s request %s published", req.Kind, req.ID))

	for _, n := range b.notifiers {
		if err := n.Notify(ctx, req); err != nil {
			b.store.AppendHistory(fmt.Sprintf("notify %s request %s failed: %v", req.Kind, req.ID, err))
		}
	}

	resp, err := b.await(ctx, req.Kind, req.ID)

	b.store.UpdateMany(map[string]any{
		awaitingFlag(req.Kind): false,
		"pending_request_id":   "",
	})
	if err != nil {
		return nil, err
	}
	os.Remove(reqPath)
	b.store.AppendHistory(fmt.Sprintf("%s response %s received", req.Kind, req.ID))
	return resp, nil
}

// await blocks until the response file exists and parses. fsnotify wakes
// the wait early; the poll ticker covers editors that bypass rename
// events or watchers that fail to initialize.
func (b *Broker) await(ctx context.Context, kind Kind, id string) (*Response, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	respPath := responsePath(b.dir, kind, id)

	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(b.dir); err == nil {
			events = make(chan fsnotify.Event)
			go func() {
				for ev := range watcher.Events {
					select {
					case events <- ev:
					case <-ctx.Done():
						return
					}
				}
			}()
		}
	}

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	for {
		if resp, ok := readResponse(respPath, id); ok {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("timed out waiting for %s response %s", kind, id)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		case <-events:
		}
	}
}

// readResponse attempts to load and validate a response file. A partial
// or mismatched file is treated as not-yet-present.
func readResponse(path, wantID string) (*Response, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false
	}
	if resp.ID != "" && resp.ID != wantID {
		return nil, false
	}
	resp.ID = wantID
	return &resp, true
}

// Respond writes the response file for a request. Channels that receive
// answers (terminal, Telegram) call this to complete the rendezvous.
func Respond(dir string, kind Kind, resp *Response) error {
	if resp.ID == "" {
		return fmt.Errorf("response is missing a request_id")
	}
	return writeJSON(responsePath(dir, kind, resp.ID), resp)
}

// PendingRequests scans the rendezvous directory for unanswered requests.
func PendingRequests(dir string) ([]*Request, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []*Request
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || !strings.Contains(name, "_request_") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		if _, ok := readResponse(responsePath(dir, req.Kind, req.ID), req.ID); ok {
			continue
		}
		out = append(out, &req)
	}
	return out, nil
}
