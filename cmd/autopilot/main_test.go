package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openclaude/autopilot/internal/agent"
	"github.com/openclaude/autopilot/internal/config"
	"github.com/openclaude/autopilot/internal/testutil"
)

const cliSession = "ses_cli"

// executeCommand runs the CLI with isolated config and returns stdout.
func executeCommand(testingHandle *testing.T, stdin string, args ...string) (string, error) {
	testingHandle.Helper()
	testingHandle.Setenv("HOME", testingHandle.TempDir())
	testingHandle.Setenv(config.EnvBaseURL, "")

	rootCmd := newRootCommand(&options{})
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// waitUntil polls condition from a server-side goroutine, where the test
// helpers that call FailNow must not be used.
func waitUntil(condition func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !condition() {
		time.Sleep(10 * time.Millisecond)
	}
}

func requireExitCode(testingHandle *testing.T, err error, code int) {
	testingHandle.Helper()
	var exitErr *exitCodeError
	testutil.RequireTrue(testingHandle, errors.As(err, &exitErr), "expected exit code error")
	testutil.RequireEqual(testingHandle, exitErr.code, code, "exit code")
}

// TestRunCompletesTurn verifies prompt submission, a scripted answer and the summary.
func TestRunCompletesTurn(testingHandle *testing.T) {
	// Arrange a server that streams text around one question.
	server := testutil.NewFakeServer(testingHandle, cliSession)
	server.OnPrompt = func(s *testutil.FakeServer, _ testutil.Prompt) {
		s.Send(testutil.MessageUpdated(cliSession, "msg_1", "assistant"))
		s.Send(testutil.TextDelta(cliSession, "msg_1", "Hello "))
		s.Send(testutil.QuestionAsked(cliSession, "que_1", []string{"Go", "Stop"}))
		waitUntil(func() bool { return len(s.Replies()) == 1 })
		s.Send(testutil.TextDelta(cliSession, "msg_1", "world"))
		s.Send(testutil.SessionIdle(cliSession))
	}

	// Act.
	out, err := executeCommand(testingHandle, "",
		"run", "--base-url", server.URL, "--title", "t1", "--agent", "build", "--answer", "A=Stop",
		"fix", "the", "bug")

	// Assert.
	testutil.RequireNoError(testingHandle, err, "run")
	testutil.RequireEqual(testingHandle, server.Titles(), []string{"t1"}, "session title")
	testutil.RequireEqual(testingHandle, server.Prompts(), []testutil.Prompt{
		{SessionID: cliSession, Agent: "build", Text: "fix the bug"},
	}, "prompt")
	testutil.RequireEqual(testingHandle, server.Replies(), []testutil.Reply{
		{RequestID: "que_1", Answers: [][]string{{"Stop"}}},
	}, "replies")
	testutil.RequireStringContains(testingHandle, out, "Created session: ses_cli", "session line")
	testutil.RequireStringContains(testingHandle, out, "[HTTP 204]", "prompt status")
	testutil.RequireStringContains(testingHandle, out, "Hello ", "streamed text")
	testutil.RequireStringContains(testingHandle, out, "  >> Q: A — Question A?", "question narration")
	testutil.RequireStringContains(testingHandle, out, "  >> A: Stop", "answer narration")
	testutil.RequireStringContains(testingHandle, out, "  >> [Replied 200]", "reply status")
	testutil.RequireStringContains(testingHandle, out, "COMPLETE", "banner")
	testutil.RequireStringContains(testingHandle, out, "Characters streamed: 11", "chars")
	testutil.RequireStringContains(testingHandle, out, "Questions answered: 1", "answered")
}

// TestRunRejectsQuestionsFromStdinPrompt verifies stdin prompts and reject mode.
func TestRunRejectsQuestionsFromStdinPrompt(testingHandle *testing.T) {
	server := testutil.NewFakeServer(testingHandle, cliSession)
	server.OnPrompt = func(s *testutil.FakeServer, _ testutil.Prompt) {
		s.Send(testutil.QuestionAsked(cliSession, "que_1", []string{"Go"}))
		waitUntil(func() bool { return len(s.Rejects()) == 1 })
		s.Send(testutil.SessionIdle(cliSession))
	}

	out, err := executeCommand(testingHandle, "from stdin\n",
		"run", "--base-url", server.URL, "--reject-questions")

	testutil.RequireNoError(testingHandle, err, "run")
	testutil.RequireEqual(testingHandle, server.Prompts()[0].Text, "from stdin", "prompt text")
	testutil.RequireEqual(testingHandle, server.Rejects(), []string{"que_1"}, "rejects")
	testutil.RequireEqual(testingHandle, len(server.Replies()), 0, "no replies")
	testutil.RequireStringContains(testingHandle, out, "  >> A: (rejected)", "reject narration")
	testutil.RequireStringContains(testingHandle, out, "Questions answered: 0", "answered")
}

// TestRunReportsSessionError verifies exit code 1 and the error line.
func TestRunReportsSessionError(testingHandle *testing.T) {
	server := testutil.NewFakeServer(testingHandle, cliSession)
	server.OnPrompt = func(s *testutil.FakeServer, _ testutil.Prompt) {
		s.Send(testutil.SessionError(cliSession, "boom"))
	}

	out, err := executeCommand(testingHandle, "", "run", "--base-url", server.URL, "go")

	requireExitCode(testingHandle, err, exitError)
	testutil.RequireStringContains(testingHandle, out, "[ERROR: boom]", "error line")
}

// TestRunReportsTimeout verifies exit code 2 when the deadline passes.
func TestRunReportsTimeout(testingHandle *testing.T) {
	server := testutil.NewFakeServer(testingHandle, cliSession)

	out, err := executeCommand(testingHandle, "", "run", "--base-url", server.URL, "--deadline", "300ms", "go")

	requireExitCode(testingHandle, err, exitTimedOut)
	testutil.RequireStringContains(testingHandle, out, "[TIMEOUT — 0 chars, 0 Qs]", "timeout line")
}

// TestRunRequiresPrompt verifies an empty prompt is refused before any request.
func TestRunRequiresPrompt(testingHandle *testing.T) {
	server := testutil.NewFakeServer(testingHandle, cliSession)

	_, err := executeCommand(testingHandle, "  \n", "run", "--base-url", server.URL)

	testutil.RequireErrorIs(testingHandle, err, ErrPromptRequired, "empty prompt")
	testutil.RequireEqual(testingHandle, len(server.Titles()), 0, "no session created")
}

// TestRunRejectsMalformedAnswerFlag verifies header=label parsing.
func TestRunRejectsMalformedAnswerFlag(testingHandle *testing.T) {
	_, err := executeCommand(testingHandle, "", "run", "--answer", "nolabel", "go")

	testutil.RequireTrue(testingHandle, err != nil, "expected error")
	testutil.RequireStringContains(testingHandle, err.Error(), "invalid --answer", "error message")
}

// TestWatchAttachesWithoutPrompt verifies watch uses the given session and never prompts.
func TestWatchAttachesWithoutPrompt(testingHandle *testing.T) {
	server := testutil.NewFakeServer(testingHandle, cliSession)
	go func() {
		waitUntil(func() bool { return server.Subscribers() == 1 })
		server.Send(testutil.MessageUpdated(cliSession, "msg_1", "assistant"))
		server.Send(testutil.TextDelta(cliSession, "msg_1", "done"))
		server.Send(testutil.SessionIdle(cliSession))
	}()

	out, err := executeCommand(testingHandle, "", "watch", "--session_id", cliSession, "--base-url", server.URL)

	testutil.RequireNoError(testingHandle, err, "watch")
	testutil.RequireStringContains(testingHandle, out, "Attached to session: ses_cli", "attach line")
	testutil.RequireStringContains(testingHandle, out, "Characters streamed: 4", "chars")
	testutil.RequireEqual(testingHandle, len(server.Prompts()), 0, "no prompt")
	testutil.RequireEqual(testingHandle, len(server.Titles()), 0, "no session created")
}

// TestWatchRequiresSession verifies watch refuses to run without a session id.
func TestWatchRequiresSession(testingHandle *testing.T) {
	_, err := executeCommand(testingHandle, "", "watch")

	testutil.RequireTrue(testingHandle, err != nil, "expected error")
	testutil.RequireStringContains(testingHandle, err.Error(), "--session-id", "error message")
}

// TestRunRendersMarkdown verifies buffered text is rendered once the turn ends.
func TestRunRendersMarkdown(testingHandle *testing.T) {
	server := testutil.NewFakeServer(testingHandle, cliSession)
	server.OnPrompt = func(s *testutil.FakeServer, _ testutil.Prompt) {
		s.Send(testutil.MessageUpdated(cliSession, "msg_1", "assistant"))
		s.Send(testutil.TextDelta(cliSession, "msg_1", "# Plan\n\n- first step\n"))
		s.Send(testutil.SessionIdle(cliSession))
	}

	out, err := executeCommand(testingHandle, "", "run", "--base-url", server.URL, "--markdown", "go")

	testutil.RequireNoError(testingHandle, err, "run")
	testutil.RequireStringContains(testingHandle, out, "Plan", "heading")
	testutil.RequireStringContains(testingHandle, out, "first step", "list item")
	testutil.RequireTrue(testingHandle, strings.Index(out, "Plan") < strings.Index(out, "COMPLETE"), "text precedes summary")
}

// TestDoctorReportsHealthyServer verifies the health probe and the normalized server root.
func TestDoctorReportsHealthyServer(testingHandle *testing.T) {
	server := testutil.NewFakeServer(testingHandle, cliSession)

	out, err := executeCommand(testingHandle, "", "doctor", "--base-url", server.URL+"/")

	testutil.RequireNoError(testingHandle, err, "doctor")
	testutil.RequireStringContains(testingHandle, out, "OK: opencode at "+server.URL+"\n", "ok line")
}

// TestDoctorReportsUnreachableServer verifies connection failures surface.
func TestDoctorReportsUnreachableServer(testingHandle *testing.T) {
	server := testutil.NewFakeServer(testingHandle, cliSession)
	baseURL := server.URL
	server.Close()

	_, err := executeCommand(testingHandle, "", "doctor", "--base-url", baseURL)

	testutil.RequireTrue(testingHandle, err != nil, "expected error")
	testutil.RequireStringContains(testingHandle, err.Error(), "unreachable", "error message")
}

// TestConfigShowAppliesFlags verifies flags override the loaded config.
func TestConfigShowAppliesFlags(testingHandle *testing.T) {
	out, err := executeCommand(testingHandle, "", "config", "show", "--base-url", "http://example.test:1", "--transport", "curl")

	testutil.RequireNoError(testingHandle, err, "config show")
	testutil.RequireStringContains(testingHandle, out, "base_url: http://example.test:1", "base url")
	testutil.RequireStringContains(testingHandle, out, "transport: curl", "transport")
	testutil.RequireStringContains(testingHandle, out, "deadline: 5m0s", "default deadline")
}

// TestConfigShowRejectsInvalidConfig verifies validation runs before output.
func TestConfigShowRejectsInvalidConfig(testingHandle *testing.T) {
	_, err := executeCommand(testingHandle, "", "config", "show", "--transport", "ws")

	testutil.RequireErrorIs(testingHandle, err, config.ErrConfigInvalid, "invalid transport")
}

// TestConfigSchema verifies the schema command prints the config properties.
func TestConfigSchema(testingHandle *testing.T) {
	out, err := executeCommand(testingHandle, "", "config", "schema")

	testutil.RequireNoError(testingHandle, err, "config schema")
	testutil.RequireStringContains(testingHandle, out, `"base_url"`, "base_url property")
	testutil.RequireStringContains(testingHandle, out, `"reject_questions"`, "reject property")
}

// TestExitCodeFor verifies outcome to exit code mapping.
func TestExitCodeFor(testingHandle *testing.T) {
	testutil.RequireEqual(testingHandle, exitCodeFor(agent.PhaseIdle), exitIdle, "idle")
	testutil.RequireEqual(testingHandle, exitCodeFor(agent.PhaseError), exitError, "error")
	testutil.RequireEqual(testingHandle, exitCodeFor(agent.PhaseTimedOut), exitTimedOut, "timed out")
}

// TestNormalizeFlagName verifies alternate flag spellings.
func TestNormalizeFlagName(testingHandle *testing.T) {
	cases := map[string]string{
		"session_id":       "session-id",
		"sessionId":        "session-id",
		"baseURL":          "base-url",
		"reject_questions": "reject-questions",
		"deadline":         "deadline",
	}
	for in, want := range cases {
		got := string(normalizeFlagName(nil, in))
		testutil.RequireEqual(testingHandle, got, want, in)
	}
}
