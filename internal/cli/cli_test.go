package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/mqol-labs/internal/llm/llmtest"
	"github.com/ashureev/mqol-labs/internal/questionbank"
	"github.com/ashureev/mqol-labs/internal/session"
	"github.com/ashureev/mqol-labs/internal/store"
	"github.com/ashureev/mqol-labs/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const greetingReply = `{"ask_next":"您好，先告诉我怎么称呼您吧？"}`

const profileReply = `{"empathic_opening":"谢谢你愿意分享。",
"updated_fields":{"nickname":"小林","gender":"女","age":"34","marital_status":"在婚",
"marriage_type":"初婚","marriage_duration_years":"6","spouse_age":"36","spouse_occupation":"工程师",
"spouse_prior_marriage":"否","children_count":0},
"closing":"我们开始聊聊你最近的困扰吧。"}`

const reportReply = `{"header":{"title":"评估报告","user_display_name":"小林","report_date":"2026-10-15"},
"summary":"整体良好。",
"dimensions":[{"dimension":"沟通","score":4.5,"severity":"轻度","interpretation":"交流顺畅。"}],
"recommendations":[{"dimension":"沟通","actions":["每周散步聊天一次"]}],
"closing":"继续加油。"}`

// scriptedReader replays lines and then reports EOF.
type scriptedReader struct {
	lines  []string
	closed bool
}

func (r *scriptedReader) Readline() (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func (r *scriptedReader) Close() error {
	r.closed = true
	return nil
}

func newChat(t *testing.T) (*chat, *bytes.Buffer) {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "cli.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	client := llmtest.New().
		On("TASK: receptionist", greetingReply, profileReply).
		On("TASK: problem_exploration", `{"empathic_reply":"听起来很辛苦。","new_notes":["沟通不畅"]}`).
		On("TASK: intent_recognition", `{"intents":["沟通"],"primary_intent":"沟通","confidence_score":0.9}`).
		On("TASK: interviewer", `{"question":"最近你们聊天顺畅吗？"}`).
		On("TASK: scorer", `{"score":4,"confidence":0.9}`).
		On("TASK: report_writer", reportReply)
	bank := &questionbank.Bank{
		Name:    "cli_test",
		Version: "1.0.0",
		Source:  "test",
		Dimensions: []questionbank.Dimension{
			{Key: "communication", Name: "沟通", Items: []questionbank.Item{
				{ID: "C1", Text: "我们能坦诚交流。", Weight: 1},
				{ID: "C2", Text: "我们经常话不投机。", Reverse: true, Weight: 1},
			}},
		},
	}
	engine, err := workflow.NewEngine(workflow.Deps{LLM: client, Bank: questionbank.Static(bank), Logger: discardLogger})
	require.NoError(t, err)
	svc, err := session.New(session.Options{Repo: repo, Engine: engine, Logger: discardLogger, Channel: "cli"})
	require.NoError(t, err)

	out := &bytes.Buffer{}
	return &chat{svc: svc, repo: repo, out: out, render: plain}, out
}

func TestChatRunsToReport(t *testing.T) {
	t.Parallel()

	c, out := newChat(t)
	rl := &scriptedReader{lines: []string{"我是小林", cmdReport, "", "挺好的", "很少话不投机", cmdQuit, "never read"}}

	require.NoError(t, c.run(context.Background(), rl, "anon_cli", ""))
	assert.True(t, rl.closed)
	assert.Equal(t, []string{"never read"}, rl.lines, "quit stops reading")

	text := out.String()
	assert.Contains(t, text, "新会话 ")
	assert.Contains(t, text, "最近你们聊天顺畅吗？")
	assert.Contains(t, text, "报告尚未生成。")
	assert.Contains(t, text, "# 评估报告")
	assert.Contains(t, text, "整体良好。")
	assert.Contains(t, text, "（报告版本 1）")
	assert.Contains(t, text, "会话已保存：")
}

func TestChatResumesSession(t *testing.T) {
	t.Parallel()

	c, out := newChat(t)
	ctx := context.Background()
	created, err := c.svc.Create(ctx, "anon_cli", nil)
	require.NoError(t, err)
	id := created.Session.SessionID
	out.Reset()

	rl := &scriptedReader{lines: []string{"我是小林"}}
	require.NoError(t, c.run(ctx, rl, "", id))

	text := out.String()
	assert.Contains(t, text, "继续会话 "+id)
	assert.Contains(t, text, created.Messages[len(created.Messages)-1].Content, "pending prompt is shown again")
	assert.Contains(t, text, "最近你们聊天顺畅吗？")

	sess, err := c.svc.Get(ctx, "anon_cli", id)
	require.NoError(t, err)
	assert.Greater(t, sess.Version, created.Session.Version)
}

func TestChatUnknownSession(t *testing.T) {
	t.Parallel()

	c, _ := newChat(t)
	err := c.run(context.Background(), &scriptedReader{}, "", "missing")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestReportMarkdown(t *testing.T) {
	t.Parallel()

	md := ReportMarkdown(map[string]any{
		"meta":    map[string]any{"user_display_name": "小林", "report_date": "2026-10-15"},
		"summary": "整体良好。",
		"dimensions": []any{
			map[string]any{"dimension": "沟通", "score": 4.5, "severity": "轻度", "interpretation": "交流顺畅。"},
		},
		"recommendations": []any{
			map[string]any{"dimension": "沟通", "actions": []any{"每周散步聊天一次", 3}},
		},
		"closing": "继续加油。",
	})

	want := strings.Join([]string{
		"# " + defaultReportTitle,
		"",
		"**小林** · 2026-10-15",
		"",
		"整体良好。",
		"",
		"## 各维度评估",
		"",
		"- **沟通**：4.5（轻度） 交流顺畅。",
		"",
		"## 建议",
		"",
		"### 沟通",
		"",
		"- 每周散步聊天一次",
		"",
		"继续加油。",
		"",
	}, "\n")
	assert.Equal(t, want, md)

	assert.Equal(t, "# "+defaultReportTitle+"\n", ReportMarkdown(nil))
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	app := &App{In: strings.NewReader(""), Out: out, Err: io.Discard}
	root := app.CreateRootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBankValidateCommand(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bank.csv")
	require.NoError(t, os.WriteFile(path, []byte(`dimension,dimension_key,question_id,question_text,reverse_scored,weight
沟通,communication,C1,我们能坦诚交流,false,1
信任,trust,T1,我信任伴侣,false,1
`), 0o644))

	out, err := runCommand(t, "bank", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 dimensions, 2 items")
	assert.Contains(t, out, "communication")

	_, err = runCommand(t, "bank", "validate", filepath.Join(t.TempDir(), "none.csv"))
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "mqol dev\n", out)
}

func TestEnvFileIsLoaded(t *testing.T) {
	const key = "MQOL_CLI_ENV_FILE_CHECK"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte(key+"=loaded\n"), 0o644))

	_, err := runCommand(t, "--env-file", path, "version")
	require.NoError(t, err)
	assert.Equal(t, "loaded", os.Getenv(key))

	_, err = runCommand(t, "--env-file", filepath.Join(t.TempDir(), "missing.env"), "version")
	assert.ErrorContains(t, err, "load env file")
}

func TestReportCommand(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "report.db")
	repo, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = repo.AddReportVersion(ctx, "s-1", map[string]any{"summary": "整体良好。"})
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	out, err := runCommand(t, "report", "s-1", "--db-path", dbPath, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version_no": 1`)
	assert.Contains(t, out, "整体良好。")

	_, err = runCommand(t, "report", "s-2", "--db-path", dbPath)
	assert.ErrorContains(t, err, "no report for session s-2")
}
