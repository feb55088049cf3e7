package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ShayCichocki/orc/internal/state"
)

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	// Enabled turns the channel on.
	Enabled bool `mapstructure:"enabled"`
	// BotToken is the bot API token.
	BotToken string `mapstructure:"bot_token"`
	// ChatID is the chat requests are sent to and answers accepted from.
	ChatID int64 `mapstructure:"chat_id"`
	// AllowedUserIDs restricts answers to these users when non-empty.
	AllowedUserIDs []int64 `mapstructure:"allowed_user_ids"`
	// PollIntervalSec is the long-poll timeout for getUpdates.
	PollIntervalSec int `mapstructure:"poll_interval_sec"`
}

func (c TelegramConfig) userAllowed(id int64) bool {
	if len(c.AllowedUserIDs) == 0 {
		return true
	}
	for _, allowed := range c.AllowedUserIDs {
		if allowed == id {
			return true
		}
	}
	return false
}

// Telegram sends requests to a chat and turns replies into response
// files. One instance serves both the Notifier side and the reply
// listener.
type Telegram struct {
	cfg    TelegramConfig
	store  *state.Store
	dir    string
	client *http.Client
	base   string
}

// NewTelegram creates the Telegram channel for a run.
func NewTelegram(cfg TelegramConfig, store *state.Store) *Telegram {
	if cfg.PollIntervalSec <= 0 {
		cfg.PollIntervalSec = 25
	}
	return &Telegram{
		cfg:    cfg,
		store:  store,
		dir:    store.LogDir(),
		client: &http.Client{Timeout: time.Duration(cfg.PollIntervalSec+10) * time.Second},
		base:   "https://api.telegram.org/bot" + cfg.BotToken,
	}
}

var _ Notifier = (*Telegram)(nil)

// Notify sends the request as a chat message with reply instructions.
func (t *Telegram) Notify(ctx context.Context, req *Request) error {
	return t.SendMessage(ctx, formatRequestMessage(req))
}

// SendMessage posts text to the configured chat.
func (t *Telegram) SendMessage(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]any{
		"chat_id": t.cfg.ChatID,
		"text":    text,
	})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram sendMessage: status %d", resp.StatusCode)
	}
	return nil
}

// formatRequestMessage renders a request with the reply grammar spelled
// out, since the bot has no inline keyboard.
func formatRequestMessage(req *Request) string {
	var b strings.Builder
	switch req.Kind {
	case KindUserInput:
		fmt.Fprintf(&b, "orc needs your input (request %s)\n", req.ID)
		if req.Context != "" {
			fmt.Fprintf(&b, "%s\n", req.Context)
		}
		for i, q := range req.Questions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, q)
		}
		fmt.Fprintf(&b, "\nReply with:\nrequest_id: %s\n<answer to question 1>\n<answer to question 2>\n...", req.ID)
	case KindInitialTask:
		fmt.Fprintf(&b, "orc is waiting for a task (request %s)\n", req.ID)
		fmt.Fprintf(&b, "\nReply with:\nrequest_id: %s\ntask: <what to build>", req.ID)
	case KindAdminDecision:
		fmt.Fprintf(&b, "orc needs a decision (request %s)\n%s\n", req.ID, req.Prompt)
		if req.Context != "" {
			fmt.Fprintf(&b, "%s\n", req.Context)
		}
		for i, opt := range req.Options {
			fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
		}
		fmt.Fprintf(&b, "\nReply with:\nrequest_id: %s\nchoose <number>\nnotes: <optional notes>", req.ID)
	}
	return b.String()
}

type tgUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type tgUpdatesResult struct {
	OK     bool       `json:"ok"`
	Result []tgUpdate `json:"result"`
}

// Run long-polls getUpdates until ctx is canceled, turning well-formed
// replies into response files. The update offset is persisted in run
// state so resumed runs do not replay old messages.
func (t *Telegram) Run(ctx context.Context) error {
	offset := int64(t.store.GetInt("telegram_update_offset"))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, err := t.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(5 * time.Second)
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
				t.store.Update("telegram_update_offset", offset)
			}
			if u.Message == nil || u.Message.Chat.ID != t.cfg.ChatID {
				continue
			}
			if !t.cfg.userAllowed(u.Message.From.ID) {
				continue
			}
			t.handleReply(ctx, u.Message.Text)
		}
	}
}

func (t *Telegram) getUpdates(ctx context.Context, offset int64) ([]tgUpdate, error) {
	body, err := json.Marshal(map[string]any{
		"offset":  offset,
		"timeout": t.cfg.PollIntervalSec,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/getUpdates", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates: %w", err)
	}
	defer resp.Body.Close()
	var out tgUpdatesResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("telegram getUpdates: %w", err)
	}
	if !out.OK {
		return nil, fmt.Errorf("telegram getUpdates: api returned ok=false")
	}
	return out.Result, nil
}

// handleReply matches a reply against the pending requests and writes
// the response file. Malformed replies get a corrective message.
func (t *Telegram) handleReply(ctx context.Context, text string) {
	id, reply, err := ParseReply(text)
	if err != nil {
		t.SendMessage(ctx, "Could not parse that reply: "+err.Error())
		return
	}
	pending, err := PendingRequests(t.dir)
	if err != nil {
		return
	}
	var req *Request
	for _, p := range pending {
		if p.ID == id {
			req = p
			break
		}
	}
	if req == nil {
		t.SendMessage(ctx, fmt.Sprintf("No pending request with id %s.", id))
		return
	}

	resp := &Response{ID: id, Notes: reply.Notes}
	switch req.Kind {
	case KindUserInput:
		if len(reply.Answers) < len(req.Questions) {
			t.SendMessage(ctx, fmt.Sprintf("Request %s has %d questions; please answer all of them, one per line.", id, len(req.Questions)))
			return
		}
		resp.Answers = reply.Answers
	case KindInitialTask:
		if reply.Task == "" {
			t.SendMessage(ctx, "Reply must include a task: line.")
			return
		}
		resp.Task = reply.Task
	case KindAdminDecision:
		if reply.Choice < 1 || reply.Choice > len(req.Options) {
			t.SendMessage(ctx, fmt.Sprintf("Reply must include choose <1-%d>.", len(req.Options)))
			return
		}
		resp.Choice = reply.Choice
	}
	if err := Respond(t.dir, req.Kind, resp); err != nil {
		t.SendMessage(ctx, "Failed to record the answer: "+err.Error())
		return
	}
	t.SendMessage(ctx, fmt.Sprintf("Got it. Request %s answered.", id))
}

// ParsedReply is the decoded reply grammar.
type ParsedReply struct {
	// Choice is the chosen option index, 1-based. Zero means absent.
	Choice int
	// Notes collects notes: lines.
	Notes string
	// Task is the task: line content.
	Task string
	// Answers are the remaining free-form lines, in order.
	Answers []string
}

// ParseReply decodes the reply grammar: a request_id: line, then any mix
// of choose N, notes:, task:, and free-form answer lines.
func ParseReply(text string) (string, *ParsedReply, error) {
	var id string
	reply := &ParsedReply{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "request_id:"):
			id = strings.TrimSpace(line[len("request_id:"):])
		case strings.HasPrefix(lower, "choose "):
			n, err := strconv.Atoi(strings.TrimSpace(line[len("choose "):]))
			if err != nil {
				return "", nil, fmt.Errorf("choose must be followed by a number")
			}
			reply.Choice = n
		case strings.HasPrefix(lower, "notes:"):
			reply.Notes = strings.TrimSpace(line[len("notes:"):])
		case strings.HasPrefix(lower, "task:"):
			reply.Task = strings.TrimSpace(line[len("task:"):])
		default:
			reply.Answers = append(reply.Answers, line)
		}
	}
	if id == "" {
		return "", nil, fmt.Errorf("missing request_id: line")
	}
	return id, reply, nil
}
