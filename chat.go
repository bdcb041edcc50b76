package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"nhutbot/internal/engine"
	"nhutbot/internal/models"
	"nhutbot/internal/service/ai"
)

const chatHelp = `commands:
  /new                 start a new session
  /list                list sessions (* marks the active one)
  /load <n|id>         switch to a session
  /delete <n|id>       delete a session
  /attach <path>       attach a file to the next message
  /remember <text>     add a memory fact
  /forget <id>         remove a memory fact
  /facts               list memory facts
  /export [json|yaml]  print the active session
  /cancel              abort the reply in flight
  /quit                exit`

func newChatCommand(opts *rootOptions) *cobra.Command {
	var attach string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			a, err := openApp(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			r := &repl{eng: a.engine, out: cmd.OutOrStdout()}
			if attach != "" {
				if err := r.stage(ctx, attach); err != nil {
					return err
				}
			}
			unsubscribe := a.engine.Subscribe(r.onEvent)
			defer unsubscribe()
			return r.run(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&attach, "attach", "", "file to attach to the first message")
	return cmd
}

type repl struct {
	eng *engine.Engine
	out io.Writer

	staged *ai.LoadedFile

	mu        sync.Mutex
	printed   int
	searching bool
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	r.showActive()
	fmt.Fprintln(r.out, "type /help for commands")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		if err := r.send(ctx, line); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *repl) send(ctx context.Context, text string) error {
	sub := engine.Submission{Text: text}
	if r.staged != nil {
		sub.Attachment = r.staged.Attachment
		sub.Text = r.staged.WithDocument(text)
	}
	r.mu.Lock()
	r.printed, r.searching = 0, false
	r.mu.Unlock()

	turn, err := r.eng.Submit(ctx, sub)
	if err != nil {
		return err
	}
	r.staged = nil
	if turn == nil {
		return nil
	}
	select {
	case <-turn.Done():
	case <-ctx.Done():
		r.eng.Cancel()
		<-turn.Done()
	}
	fmt.Fprintln(r.out)
	reply, err := turn.Result()
	if err != nil {
		return err
	}
	for i, c := range reply.Citations {
		fmt.Fprintf(r.out, "  [%d] %s %s\n", i+1, c.Title, c.URI)
	}
	return nil
}

// onEvent prints the unseen tail of each streamed update. Updates carry the
// full content so far, so only the suffix is written.
func (r *repl) onEvent(ev engine.Event) {
	if ev.Type != engine.EventMessageUpdated || ev.Message == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Searching && !r.searching && ev.Message.Content == "" {
		r.searching = true
		fmt.Fprint(r.out, "(searching the web...) ")
	}
	content := ev.Message.Content
	if len(content) > r.printed {
		fmt.Fprint(r.out, content[r.printed:])
		r.printed = len(content)
	}
}

func (r *repl) stage(ctx context.Context, path string) error {
	loaded, err := ai.LoadAttachment(ctx, path)
	if err != nil {
		return err
	}
	r.staged = loaded
	fmt.Fprintf(r.out, "attached %s\n", loaded.Name)
	return nil
}

func (r *repl) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, chatHelp)
	case "/new":
		if _, err := r.eng.CreateSession(ctx); err != nil {
			return false, err
		}
		r.showActive()
	case "/list":
		active, _ := r.eng.ActiveSession()
		for i, s := range r.eng.Sessions() {
			mark := " "
			if active != nil && s.ID == active.ID {
				mark = "*"
			}
			fmt.Fprintf(r.out, "%s %d. %s  (%s, %d messages)\n", mark, i+1, s.Title, s.ID, len(s.Messages))
		}
	case "/load":
		id, err := r.resolve(arg)
		if err != nil {
			return false, err
		}
		_, ok, err := r.eng.LoadSession(ctx, id)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, errors.Errorf("no session %q", id)
		}
		r.showActive()
	case "/delete":
		id, err := r.resolve(arg)
		if err != nil {
			return false, err
		}
		if _, err := r.eng.DeleteSession(ctx, id); err != nil {
			return false, err
		}
		r.showActive()
	case "/attach":
		if arg == "" {
			return false, errors.New("usage: /attach <path>")
		}
		return false, r.stage(ctx, arg)
	case "/remember":
		fact, err := r.eng.AddFact(ctx, arg)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "remembered %s\n", fact.ID)
	case "/forget":
		removed, err := r.eng.RemoveFact(ctx, arg)
		if err != nil {
			return false, err
		}
		if !removed {
			return false, errors.Errorf("no fact %q", arg)
		}
	case "/facts":
		for _, f := range r.eng.Facts() {
			fmt.Fprintf(r.out, "%s  %s\n", f.ID, f.Text)
		}
	case "/export":
		doc, err := r.eng.Export("")
		if err != nil {
			return false, err
		}
		data, err := doc.Encode(models.ExportFormat(arg))
		if err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, string(data))
	case "/cancel":
		if !r.eng.Cancel() {
			fmt.Fprintln(r.out, "nothing to cancel")
		}
	default:
		return false, errors.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

// resolve accepts a 1-based list position or a session id.
func (r *repl) resolve(arg string) (string, error) {
	if arg == "" {
		return "", errors.New("session number or id required")
	}
	sessions := r.eng.Sessions()
	var n int
	if _, err := fmt.Sscanf(arg, "%d", &n); err == nil && fmt.Sprint(n) == arg {
		if n < 1 || n > len(sessions) {
			return "", errors.Errorf("no session #%d", n)
		}
		return sessions[n-1].ID, nil
	}
	return arg, nil
}

func (r *repl) showActive() {
	sess, ok := r.eng.ActiveSession()
	if !ok {
		return
	}
	fmt.Fprintf(r.out, "== %s (%s) ==\n", sess.Title, sess.ModelID)
	for _, m := range sess.Messages {
		fmt.Fprintf(r.out, "%s: %s\n", m.Role, m.Content)
	}
}
