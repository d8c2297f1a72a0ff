package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	wiring "github.com/ashureev/mqol-labs/internal/app"
	"github.com/ashureev/mqol-labs/internal/domain"
	"github.com/ashureev/mqol-labs/internal/events"
	"github.com/ashureev/mqol-labs/internal/identity"
	"github.com/ashureev/mqol-labs/internal/session"
	"github.com/ashureev/mqol-labs/internal/store"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

// lineReader is the part of readline the chat loop needs.
type lineReader interface {
	Readline() (string, error)
	Close() error
}

// Commands recognised at the chat prompt.
const (
	cmdQuit   = "/quit"
	cmdExit   = "/exit"
	cmdReport = "/report"
)

func (app *App) newChatCommand() *cobra.Command {
	var sessionID, userID string
	var verbose bool

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Run an interactive assessment",
		Long: `Start a new assessment, or resume one with --session. Type /report to show
the latest report and /quit to leave; the session can be resumed later.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			a, err := wiring.New(cmd.Context(), cfg, wiring.Options{Channel: "cli", Logger: app.logger})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "你> ",
				Stdin:           io.NopCloser(app.In),
				Stdout:          app.Out,
				Stderr:          app.Err,
				InterruptPrompt: "^C",
				EOFPrompt:       cmdQuit,
			})
			if err != nil {
				return fmt.Errorf("init line editor: %w", err)
			}

			c := &chat{svc: a.Service, repo: a.Repo, out: app.Out, render: newRenderer()}
			if verbose {
				c.progress = stageProgress(app.Err)
			}
			return c.run(cmd.Context(), rl, userID, sessionID)
		},
	}
	chatCmd.Flags().StringVar(&sessionID, "session", "", "Resume an existing session")
	chatCmd.Flags().StringVar(&userID, "user", "", "User id for a new session (default: a fresh anonymous id)")
	chatCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print workflow stages as they run")
	return chatCmd
}

// chat drives one interactive session.
type chat struct {
	svc      *session.Service
	repo     store.Repository
	out      io.Writer
	render   func(markdown string) (string, error)
	progress events.Emitter
}

func (c *chat) run(ctx context.Context, rl lineReader, userID, sessionID string) error {
	defer rl.Close()

	userID, sessionID, err := c.start(ctx, userID, sessionID)
	if err != nil {
		return err
	}

	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				c.saved(sessionID)
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			c.saved(sessionID)
			return nil
		case err != nil:
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case cmdQuit, cmdExit:
			c.saved(sessionID)
			return nil
		case cmdReport:
			c.showReport(ctx, userID, sessionID)
			continue
		}

		res, err := c.svc.Turn(ctx, userID, sessionID, line, c.progress)
		if err != nil {
			fmt.Fprintf(c.out, "出错了：%v\n", err)
			continue
		}
		c.printMessages(res.Messages)
		if res.ReportVersion > 0 {
			c.showReport(ctx, userID, sessionID)
		}
	}
}

// start creates a session or loads the one to resume. It returns the owner
// and id of the session.
func (c *chat) start(ctx context.Context, userID, sessionID string) (string, string, error) {
	if sessionID != "" {
		sess, err := c.repo.GetSession(ctx, sessionID)
		if err != nil {
			return "", "", fmt.Errorf("load session: %w", err)
		}
		if sess == nil {
			return "", "", fmt.Errorf("session %s: %w", sessionID, session.ErrSessionNotFound)
		}
		fmt.Fprintf(c.out, "继续会话 %s\n", sessionID)
		if n := len(sess.State.Messages); n > 0 && sess.State.Messages[n-1].Role == domain.RoleAssistant {
			c.printMessages(sess.State.Messages[n-1:])
		}
		return sess.UserID, sessionID, nil
	}

	if userID == "" {
		id, err := identity.NewAnonID()
		if err != nil {
			return "", "", err
		}
		userID = id
	}
	if err := identity.EnsureUser(ctx, c.repo, userID); err != nil {
		return "", "", err
	}
	res, err := c.svc.Create(ctx, userID, c.progress)
	if err != nil {
		return "", "", err
	}
	fmt.Fprintf(c.out, "新会话 %s（输入 %s 随时退出，之后可用 --session 继续）\n", res.Session.SessionID, cmdQuit)
	c.printMessages(res.Messages)
	return userID, res.Session.SessionID, nil
}

func (c *chat) printMessages(msgs []domain.Message) {
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant {
			fmt.Fprintf(c.out, "\n%s\n\n", m.Content)
		}
	}
}

func (c *chat) saved(sessionID string) {
	fmt.Fprintf(c.out, "会话已保存：%s\n", sessionID)
}

func (c *chat) showReport(ctx context.Context, userID, sessionID string) {
	rv, err := c.svc.Report(ctx, userID, sessionID, 0)
	if errors.Is(err, session.ErrReportNotFound) {
		fmt.Fprintln(c.out, "报告尚未生成。")
		return
	}
	if err != nil {
		fmt.Fprintf(c.out, "读取报告失败：%v\n", err)
		return
	}
	writeReport(c.out, c.render, rv)
}

// stageProgress prints the name of each stage as it starts.
func stageProgress(w io.Writer) events.Emitter {
	return events.EmitterFunc(func(_ context.Context, ev events.Event) error {
		if ev.Type == events.TypeStageStart {
			fmt.Fprintf(w, "· %s\n", ev.Stage)
		}
		return nil
	})
}
