package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/tinyland-inc/relayclaw/cmd/relayclaw/internal"
	"github.com/tinyland-inc/relayclaw/pkg/admin"
	"github.com/tinyland-inc/relayclaw/pkg/bus"
	"github.com/tinyland-inc/relayclaw/pkg/channels"
	"github.com/tinyland-inc/relayclaw/pkg/config"
	"github.com/tinyland-inc/relayclaw/pkg/poller"
)

// Session is one console's command state.
type Session struct {
	handler *admin.Handler
	poller  *poller.Poller
	bus     *bus.MessageBus
}

func consoleCmd(online bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	lock, err := internal.LockDataDir(cfg)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	stores, err := internal.OpenStores(cfg)
	if err != nil {
		return err
	}

	var resolver admin.Resolver
	if online {
		if cfg.Telegram.Token == "" {
			return errors.New("--online needs telegram.token")
		}
		// The channel is never started; it is only used for getChat.
		tc, err := channels.NewTelegramChannel(cfg.Telegram, nil)
		if err != nil {
			return fmt.Errorf("error creating telegram channel: %w", err)
		}
		resolver = tc
	}

	s := newSession(cfg, stores, poller.NewWebPreviewFetcher(cfg.Relay.PreviewBaseURL, nil), resolver)
	defer s.bus.Close()

	fmt.Printf("%s Admin console for %s (type /help, poll, or exit)\n\n", internal.Logo, cfg.DataPath())
	interactiveMode(s)
	return nil
}

// Exec runs one console line and reports whether the console should exit.
func (s *Session) Exec(ctx context.Context, line string) (string, bool) {
	input := strings.TrimSpace(line)
	switch input {
	case "":
		return "", false
	case "exit", "quit":
		return "Goodbye!", true
	case "poll":
		return s.pollOnce(ctx), false
	}
	if !strings.HasPrefix(input, "/") {
		input = "/" + input
	}
	return s.handler.HandleText(ctx, "console", "console", input), false
}

// pollOnce runs one poll cycle and lists what the gateway would forward.
// The bus is read while the cycle runs, so a cycle larger than the bus
// buffer cannot stall the publisher.
func (s *Session) pollOnce(ctx context.Context) string {
	done := make(chan int, 1)
	go func() { done <- s.poller.PollOnce(ctx) }()

	var items []bus.Item
	n := -1
	for n < 0 {
		select {
		case item := <-s.bus.Inbound():
			items = append(items, item)
		case n = <-done:
		}
	}
	for drained := false; !drained; {
		select {
		case item := <-s.bus.Inbound():
			items = append(items, item)
		default:
			drained = true
		}
	}

	if len(items) == 0 {
		return "No new posts (forwarding must be running and sources configured)."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d new post(s):", len(items))
	for _, item := range items {
		fmt.Fprintf(&b, "\n• %s #%d (%s)", item.Source, item.SequenceID, item.Payload.Kind)
	}
	return b.String()
}

func interactiveMode(s *Session) {
	prompt := fmt.Sprintf("%s admin> ", internal.Logo)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".relayclaw_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleInteractiveMode(s, os.Stdin, os.Stdout)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		out, quit := s.Exec(context.Background(), line)
		if out != "" {
			fmt.Printf("%s\n\n", out)
		}
		if quit {
			return
		}
	}
}

func simpleInteractiveMode(s *Session, in io.Reader, out io.Writer) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(out, "%s admin> ", internal.Logo)
		line, err := reader.ReadString('\n')

		reply, quit := s.Exec(context.Background(), line)
		if reply != "" {
			fmt.Fprintf(out, "%s\n\n", reply)
		}
		if quit {
			return
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				fmt.Fprintf(out, "Error reading input: %v\n", err)
			}
			fmt.Fprintln(out, "\nGoodbye!")
			return
		}
	}
}

func completer() *readline.PrefixCompleter {
	names := []string{
		"/help", "/status", "/addsource", "/removesource", "/settarget",
		"/addlink", "/addword", "/addsentence",
		"/removelink", "/removeword", "/removesentence", "/listreplace",
		"/startforward", "/stopforward", "poll", "exit",
	}
	items := make([]readline.PrefixCompleterInterface, 0, len(names))
	for _, n := range names {
		items = append(items, readline.PcItem(n))
	}
	return readline.NewPrefixCompleter(items...)
}

func newSession(cfg *config.Config, stores *internal.Stores, fetcher poller.Fetcher, resolver admin.Resolver) *Session {
	msgBus := bus.NewMessageBus()
	return &Session{
		handler: admin.NewHandler(admin.Options{
			Authorizer: admin.AllowAll{},
			Resolver:   resolver,
			Settings:   stores.Settings,
			Rules:      stores.Rules,
			Cursors:    stores.Cursors,
		}),
		poller: poller.New(fetcher, stores.Settings, stores.Cursors, msgBus, poller.Options{
			Concurrency: cfg.Relay.PollConcurrency,
			MaxBatch:    cfg.Relay.MaxBatch,
		}),
		bus: msgBus,
	}
}
