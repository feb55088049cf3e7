package broker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// TTYNotifier answers requests interactively on the terminal. Notify
// returns immediately; a goroutine collects the answer and writes the
// response file, so file-based and Telegram answers still win a race if
// they land first.
type TTYNotifier struct {
	dir string
	in  io.Reader
	out io.Writer
	// mu serializes prompts so overlapping requests do not interleave
	// their stdin reads.
	mu sync.Mutex
}

// NewTTYNotifier creates a terminal channel answering into dir.
func NewTTYNotifier(dir string) *TTYNotifier {
	return &TTYNotifier{dir: dir, in: os.Stdin, out: os.Stdout}
}

// Notify prints the request and collects the answer in the background.
func (t *TTYNotifier) Notify(ctx context.Context, req *Request) error {
	go t.collect(req)
	return nil
}

func (t *TTYNotifier) collect(req *Request) {
	t.mu.Lock()
	defer t.mu.Unlock()

	reader := bufio.NewReader(t.in)
	header := color.New(color.FgCyan, color.Bold)

	resp := &Response{ID: req.ID}
	switch req.Kind {
	case KindUserInput:
		header.Fprintf(t.out, "\n[orc] The agents need your input (request %s):\n", req.ID)
		if req.Context != "" {
			fmt.Fprintln(t.out, req.Context)
		}
		for i, q := range req.Questions {
			fmt.Fprintf(t.out, "  %d. %s\n  > ", i+1, q)
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			resp.Answers = append(resp.Answers, strings.TrimSpace(line))
		}
	case KindInitialTask:
		header.Fprintf(t.out, "\n[orc] Describe the task to run (request %s):\n> ", req.ID)
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		resp.Task = strings.TrimSpace(line)
	case KindAdminDecision:
		header.Fprintf(t.out, "\n[orc] Decision needed (request %s): %s\n", req.ID, req.Prompt)
		if req.Context != "" {
			fmt.Fprintln(t.out, req.Context)
		}
		for i, opt := range req.Options {
			fmt.Fprintf(t.out, "  %d. %s\n", i+1, opt)
		}
		for {
			fmt.Fprintf(t.out, "choose [1-%d]> ", len(req.Options))
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			n, convErr := strconv.Atoi(strings.TrimSpace(line))
			if convErr == nil && n >= 1 && n <= len(req.Options) {
				resp.Choice = n
				break
			}
			fmt.Fprintln(t.out, "invalid choice")
		}
		fmt.Fprintf(t.out, "notes (optional)> ")
		line, err := reader.ReadString('\n')
		if err == nil {
			resp.Notes = strings.TrimSpace(line)
		}
	default:
		return
	}

	if err := Respond(t.dir, req.Kind, resp); err != nil {
		fmt.Fprintf(t.out, "[orc] failed to record answer: %v\n", err)
	}
}
