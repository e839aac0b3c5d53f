package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"github.com/RichardoC/luna/internal/backend"
	"github.com/RichardoC/luna/internal/chat"
	"github.com/RichardoC/luna/internal/db"
	"github.com/RichardoC/luna/internal/models"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const chatHelp = `Commands:
  /new              start a new conversation
  /history          list your conversations
  /open N           open conversation N from /history
  /show             show the messages with their numbers
  /edit N TEXT      rewrite your message N and get a fresh reply
  /delete N         delete message N
  /clear            delete this conversation
  /quit             leave`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with Luna in the terminal",
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().String("user", "", "user id to chat as")
	cobra.CheckErr(viper.BindPFlag("user_id", chatCmd.Flags().Lookup("user")))
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	// Logs would interleave with the conversation unless asked for.
	logger := zap.NewNop()
	if verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		logger = l
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	out := cmd.OutOrStdout()
	term := &terminal{out: out}
	o := chat.New(
		backend.New(cfg.ChatURL, cfg.PublishableKey),
		database,
		chat.WithLogger(logger),
		chat.WithNotifier(chat.NotifierFunc(term.notify)),
		chat.WithPersistPolicy(cfg.PersistTimeout, cfg.PersistRetryDelay),
	)
	unsubscribe := o.Subscribe(term.render)
	defer unsubscribe()
	defer o.Wait()

	ctx := cmd.Context()
	if err := o.Start(ctx, cfg.UserID); err != nil {
		if errors.Is(err, chat.ErrUnauthenticated) {
			return errors.New("no user id: pass --user or set user_id in the config")
		}
		return err
	}
	term.printMessages(o.Snapshot().Messages)

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	defer line.Close()

	session := &chatSession{o: o, store: database, userID: cfg.UserID, term: term, line: line}
	for {
		input, err := line.Prompt("you> ")
		if err != nil {
			// Ctrl+C or Ctrl+D.
			fmt.Fprintln(out)
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			quit, err := session.command(ctx, input)
			if err != nil {
				fmt.Fprintf(out, "[error] %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		quit, err := session.submit(ctx, input)
		if err != nil && !isReported(err) {
			fmt.Fprintf(out, "[error] %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// isReported is true for errors the notifier has already shown.
func isReported(err error) bool {
	var apiErr *backend.APIError
	return errors.As(err, &apiErr) ||
		errors.Is(err, backend.ErrMissingCredential) ||
		errors.Is(err, chat.ErrInterrupted) ||
		errors.Is(err, context.Canceled)
}

type conversationLister interface {
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
}

type chatSession struct {
	o      *chat.Orchestrator
	store  conversationLister
	userID string
	term   *terminal
	line   *liner.State

	listed []models.Conversation
}

// submit sends text, asking for confirmation first when it reads as a
// goodbye. quit reports that the user chose to leave.
func (s *chatSession) submit(ctx context.Context, text string) (quit bool, err error) {
	sendCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	intercepted, err := s.o.Submit(sendCtx, text)
	s.term.endReply()
	if err != nil || !intercepted {
		return false, err
	}

	answer, err := s.line.Prompt("Leaving already? 💜 Exit and clear this chat? [y/N] ")
	if err != nil || !strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y") {
		s.o.ContinueChatting()
		fmt.Fprintln(s.term.out, "Okay, I'm still here!")
		return false, nil
	}
	if _, err := s.o.ExitChat(ctx); err != nil {
		return true, err
	}
	return true, nil
}

func (s *chatSession) command(ctx context.Context, input string) (quit bool, err error) {
	name, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		fmt.Fprintln(s.term.out, chatHelp)

	case "/new":
		if err := s.o.SwitchConversation(ctx, ""); err != nil {
			return false, err
		}
		s.term.printMessages(s.o.Snapshot().Messages)

	case "/history":
		convs, err := s.store.ListConversations(ctx, s.userID)
		if err != nil {
			return false, err
		}
		s.listed = convs
		current := s.o.Snapshot().ConversationID
		if len(convs) == 0 {
			fmt.Fprintln(s.term.out, "No conversations yet.")
		}
		for i, c := range convs {
			marker := " "
			if c.ID == current {
				marker = "*"
			}
			fmt.Fprintf(s.term.out, "%s%2d. %s (%s)\n", marker, i+1, c.Title, c.UpdatedAt.Local().Format("Jan 2 15:04"))
		}

	case "/open":
		i, err := parseIndex(rest, len(s.listed))
		if err != nil {
			return false, fmt.Errorf("%w (run /history first)", err)
		}
		if err := s.o.SwitchConversation(ctx, s.listed[i].ID); err != nil {
			return false, err
		}
		s.term.printMessages(s.o.Snapshot().Messages)

	case "/show":
		s.term.printMessages(s.o.Snapshot().Messages)

	case "/edit":
		num, text, _ := strings.Cut(rest, " ")
		msgs := s.o.Snapshot().Messages
		i, err := parseIndex(num, len(msgs))
		if err != nil {
			return false, err
		}
		sendCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		defer stop()
		err = s.o.EditMessage(sendCtx, msgs[i].ID, text)
		s.term.endReply()
		if err != nil && !isReported(err) {
			return false, err
		}

	case "/delete":
		msgs := s.o.Snapshot().Messages
		i, err := parseIndex(rest, len(msgs))
		if err != nil {
			return false, err
		}
		if err := s.o.DeleteMessage(msgs[i].ID); err != nil {
			return false, err
		}

	case "/clear":
		if err := s.o.ClearHistory(ctx); err != nil {
			return false, err
		}

	default:
		return false, fmt.Errorf("unknown command %s, try /help", name)
	}
	return false, nil
}

// parseIndex turns a 1-based number into an index below n.
func parseIndex(s string, n int) (int, error) {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || i < 1 || i > n {
		return 0, fmt.Errorf("expected a number between 1 and %d", n)
	}
	return i - 1, nil
}

// terminal renders snapshots as they arrive, printing only the new part of
// the reply being streamed.
type terminal struct {
	mu      sync.Mutex
	out     io.Writer
	id      models.MessageID
	printed int
	open    bool
}

func (t *terminal) render(s chat.Snapshot) {
	if s.Phase != chat.PhaseStreaming || len(s.Messages) == 0 {
		return
	}
	last := s.Messages[len(s.Messages)-1]
	if last.Role != models.RoleAssistant || last.IsWelcome() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if last.ID != t.id {
		if t.open {
			fmt.Fprintln(t.out)
		}
		t.id, t.printed, t.open = last.ID, 0, true
		fmt.Fprint(t.out, "luna> ")
	}
	if len(last.Content) > t.printed {
		fmt.Fprint(t.out, last.Content[t.printed:])
		t.printed = len(last.Content)
	}
}

// endReply finishes the line of a streamed reply, if one was started.
func (t *terminal) endReply() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open {
		fmt.Fprintln(t.out)
		t.open = false
	}
}

func (t *terminal) notify(n chat.Notice) {
	t.endReply()
	t.mu.Lock()
	defer t.mu.Unlock()
	if n.Level == chat.LevelError {
		fmt.Fprintf(t.out, "[!] %s\n", n.Text)
		return
	}
	fmt.Fprintf(t.out, "%s\n", n.Text)
}

func (t *terminal) printMessages(msgs []models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, m := range msgs {
		who := "you"
		if m.Role == models.RoleAssistant {
			who = "luna"
		}
		fmt.Fprintf(t.out, "%2d %s> %s\n", i+1, who, m.Content)
	}
}
