package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/openclaude/autopilot/internal/agent"
	"github.com/openclaude/autopilot/internal/answer"
	"github.com/openclaude/autopilot/internal/config"
	"github.com/openclaude/autopilot/internal/opencode"
	"github.com/openclaude/autopilot/internal/transport"
)

// version is the CLI build version.
const version = "0.1.0"

// Exit codes for a finished turn.
const (
	exitIdle     = 0
	exitError    = 1
	exitTimedOut = 2
)

// ErrPromptRequired is returned when run has no prompt from args, file or stdin.
var ErrPromptRequired = errors.New("prompt is required (argument, --prompt-file or stdin)")

// options holds all CLI flags.
type options struct {
	// ConfigPath is a config file path or inline YAML/JSON layered over the config files.
	ConfigPath string
	// BaseURL overrides the opencode server root.
	BaseURL string
	// Directory scopes API calls to a project directory.
	Directory string
	// Transport selects http or curl for the event stream.
	Transport string
	// Verbose enables debug logging.
	Verbose bool
	// LogFile additionally writes logs to a file.
	LogFile string
	// Version prints the CLI version.
	Version bool

	// SessionID attaches to an existing session instead of creating one.
	SessionID string
	// PromptFile reads the prompt from a file.
	PromptFile string
	// Agent names the agent handling the prompt.
	Agent string
	// Title names sessions created by run.
	Title string
	// Deadline bounds the whole turn.
	Deadline time.Duration
	// RejectQuestions dismisses clarification questions instead of answering.
	RejectQuestions bool
	// DefaultAnswer is used for questions without options.
	DefaultAnswer string
	// Answers holds header=label scripted answers.
	Answers []string
	// Markdown renders the assistant text as markdown once the turn ends.
	Markdown bool
	// Heartbeat prints a progress line at this interval; zero disables it.
	Heartbeat time.Duration
}

// exitCodeError carries a process exit code for an outcome already reported.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitCodeError) Unwrap() error {
	return e.err
}

// main wires Cobra and executes the CLI.
func main() {
	rootCmd := newRootCommand(&options{})
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", exitErr.err)
		}
		os.Exit(exitErr.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(exitError)
}

// newRootCommand builds the command tree around opts.
func newRootCommand(opts *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "autopilot",
		Short:         "Drive opencode sessions unattended",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Version {
				fmt.Fprintln(cmd.OutOrStdout(), version)
				return nil
			}
			return cmd.Help()
		},
	}
	applyGlobalFlags(rootCmd.PersistentFlags(), opts)
	rootCmd.Flags().BoolVarP(&opts.Version, "version", "v", false, "Output the version number")

	rootCmd.AddCommand(runCommand(opts))
	rootCmd.AddCommand(watchCommand(opts))
	rootCmd.AddCommand(doctorCommand(opts))
	rootCmd.AddCommand(configCommand(opts))
	rootCmd.SetGlobalNormalizationFunc(normalizeFlagName)
	return rootCmd
}

// applyGlobalFlags defines flags shared by every command.
func applyGlobalFlags(flags *pflag.FlagSet, opts *options) {
	flags.StringVar(&opts.ConfigPath, "config", "", "Config file path or inline YAML/JSON")
	flags.StringVar(&opts.BaseURL, "base-url", "", "opencode server root URL")
	flags.StringVar(&opts.Directory, "directory", "", "Project directory sent with API calls")
	flags.StringVar(&opts.Transport, "transport", "", "Event stream transport (http|curl)")
	flags.BoolVar(&opts.Verbose, "verbose", false, "Verbose output")
	flags.StringVar(&opts.LogFile, "log-file", "", "Also write logs to a file")
}

// applyTurnFlags defines flags for commands that watch a turn.
func applyTurnFlags(flags *pflag.FlagSet, opts *options) {
	flags.StringVar(&opts.SessionID, "session-id", "", "Use an existing session ID")
	flags.DurationVar(&opts.Deadline, "deadline", 0, "Maximum time to wait for the turn")
	flags.BoolVar(&opts.RejectQuestions, "reject-questions", false, "Reject clarification questions instead of answering")
	flags.StringVar(&opts.DefaultAnswer, "default-answer", "", "Label answered when a question has no options")
	flags.StringArrayVar(&opts.Answers, "answer", nil, "Scripted answer as header=label (repeatable)")
	flags.BoolVar(&opts.Markdown, "markdown", false, "Render the assistant text as markdown at the end")
	flags.DurationVar(&opts.Heartbeat, "heartbeat", 0, "Print a progress line at this interval")
}

// normalizeFlagName accepts underscore and camel-case spellings of dashed flags.
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	switch name {
	case "sessionId", "sessionID":
		return "session-id"
	case "baseUrl", "baseURL":
		return "base-url"
	default:
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	}
}

// runCommand creates a session (unless attached), submits a prompt and waits for the turn.
func runCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Submit a prompt and drive the turn to completion",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(cmd, opts, args)
			if err != nil {
				return err
			}
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runTurn(cmd, opts, cfg, prompt)
		},
	}
	applyTurnFlags(cmd.Flags(), opts)
	cmd.Flags().StringVar(&opts.PromptFile, "prompt-file", "", "Read the prompt from a file")
	cmd.Flags().StringVar(&opts.Agent, "agent", "", "Agent for the prompt")
	cmd.Flags().StringVar(&opts.Title, "title", "", "Title for a new session")
	return cmd
}

// watchCommand attaches to a running session without prompting.
func watchCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch an existing session until its turn ends, answering questions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.SessionID) == "" {
				return errors.New("watch requires --session-id")
			}
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runTurn(cmd, opts, cfg, "")
		},
	}
	applyTurnFlags(cmd.Flags(), opts)
	return cmd
}

// doctorCommand validates the config and probes the server health endpoint.
func doctorCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, source := range cfg.Sources {
				fmt.Fprintf(out, "config: %s\n", source)
			}
			client := newClient(cfg)
			healthy, err := client.Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("opencode at %s unreachable: %w", client.BaseURL(), err)
			}
			if !healthy {
				return fmt.Errorf("opencode at %s reports unhealthy", client.BaseURL())
			}
			fmt.Fprintf(out, "OK: opencode at %s\n", client.BaseURL())
			return nil
		},
	}
}

// configCommand groups config inspection subcommands.
func configCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect autopilot configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the config file JSON schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := config.Schema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, source := range cfg.Sources {
				fmt.Fprintf(out, "# source: %s\n", source)
			}
			raw, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = out.Write(raw)
			return err
		},
	})
	return cmd
}

// resolveConfig loads layered config and applies flags that were set explicitly.
func resolveConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get cwd: %w", err)
	}
	cfg, err := config.Load(cwd, opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.BaseURL = opts.BaseURL
	}
	if flags.Changed("directory") {
		cfg.Directory = opts.Directory
	}
	if flags.Changed("transport") {
		cfg.Transport = opts.Transport
	}
	if flags.Changed("agent") {
		cfg.Agent = opts.Agent
	}
	if flags.Changed("title") {
		cfg.Title = opts.Title
	}
	if flags.Changed("deadline") {
		cfg.Deadline = opts.Deadline
	}
	if flags.Changed("reject-questions") {
		cfg.RejectQuestions = opts.RejectQuestions
	}
	if flags.Changed("default-answer") {
		cfg.DefaultAnswer = opts.DefaultAnswer
	}
	for _, entry := range opts.Answers {
		header, label, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(header) == "" || strings.TrimSpace(label) == "" {
			return nil, fmt.Errorf("invalid --answer %q: want header=label", entry)
		}
		cfg.Answers[strings.TrimSpace(header)] = strings.TrimSpace(label)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readPrompt takes the prompt from args, then --prompt-file, then piped stdin.
func readPrompt(cmd *cobra.Command, opts *options, args []string) (string, error) {
	if len(args) > 0 {
		return requirePrompt(strings.Join(args, " "))
	}
	if opts.PromptFile != "" {
		raw, err := os.ReadFile(opts.PromptFile)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		return requirePrompt(string(raw))
	}
	in := cmd.InOrStdin()
	if file, ok := in.(*os.File); ok && isTerminalFile(file) {
		return "", ErrPromptRequired
	}
	raw, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read prompt from stdin: %w", err)
	}
	return requirePrompt(string(raw))
}

func requirePrompt(prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrPromptRequired
	}
	return prompt, nil
}

// runTurn drives one turn of the session and maps its outcome to an exit code.
// An empty prompt watches the session without submitting anything.
func runTurn(cmd *cobra.Command, opts *options, cfg *config.Config, prompt string) error {
	logger, closeLog, err := newLogger(cmd.ErrOrStderr(), opts.Verbose, opts.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := withInterrupt(cmd.Context(), func() {
		logger.Warn("interrupted, stopping turn")
	})
	defer stop()

	client := newClient(cfg)
	printer := newConsolePrinter(cmd.OutOrStdout(), opts.Markdown)

	sessionID := strings.TrimSpace(opts.SessionID)
	if sessionID == "" {
		created, err := client.CreateSession(ctx, cfg.Title)
		if err != nil {
			return err
		}
		sessionID = created.ID
		printer.Session(sessionID, true)
	} else {
		printer.Session(sessionID, false)
	}

	runner := &agent.Runner{
		Source: eventSource(cfg, client),
		Responder: &answer.Responder{
			Replier:  client,
			Policy:   answer.Scripted(cfg.Answers, answer.FirstOption(cfg.DefaultAnswer)),
			Reject:   cfg.RejectQuestions,
			Logger:   logger,
			OnAnswer: printer.OnAnswer,
		},
		Output:         printer,
		PollInterval:   cfg.PollInterval,
		ReconnectDelay: cfg.ReconnectDelay,
		Logger:         logger,
		OnPhase:        printer.OnPhase,
	}
	if prompt != "" {
		// The prompt is submitted only once the stream is open so no event is missed.
		runner.Start = func(ctx context.Context) error {
			status, err := client.PromptAsync(ctx, sessionID, opencode.NewTextPrompt(prompt, cfg.Agent))
			if status != 0 {
				printer.PromptStatus(status)
			}
			return err
		}
	}

	beat := startHeartbeat(printer.Heartbeat, opts.Heartbeat)
	outcome, runErr := runner.Run(ctx, sessionID, cfg.Deadline)
	if err := beat.Stop(); err != nil {
		logger.Warn("heartbeat output failed", "error", err)
	}
	if runErr != nil && !outcome.Terminal.Terminal() {
		return runErr
	}
	if err := printer.Flush(); err != nil {
		logger.Warn("rendering output failed", "error", err)
	}
	printer.Summary(outcome)

	code := exitCodeFor(outcome.Terminal)
	if runErr != nil {
		return &exitCodeError{code: exitError, err: runErr}
	}
	if code != exitIdle {
		return &exitCodeError{code: code}
	}
	return nil
}

// exitCodeFor maps a terminal phase to the process exit code.
func exitCodeFor(phase agent.Phase) int {
	switch phase {
	case agent.PhaseIdle:
		return exitIdle
	case agent.PhaseError:
		return exitError
	default:
		return exitTimedOut
	}
}

// newClient builds the API client for cfg.
func newClient(cfg *config.Config) *opencode.Client {
	return opencode.NewClient(cfg.BaseURL, cfg.RequestTimeout, opencode.WithDirectory(cfg.Directory))
}

// eventSource selects the stream transport.
func eventSource(cfg *config.Config, client *opencode.Client) transport.Source {
	if cfg.Transport == config.TransportCurl {
		return transport.Curl(client.EventsURL())
	}
	return transport.HTTPSource{Client: client}
}

// newLogger logs to errOut and, when logFile is set, to that file as well.
func newLogger(errOut io.Writer, verbose bool, logFile string) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if logFile == "" {
		return slog.New(slog.NewTextHandler(errOut, handlerOpts)), func() {}, nil
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(io.MultiWriter(errOut, file), handlerOpts))
	return logger, func() { _ = file.Close() }, nil
}

// withInterrupt builds a context that is cancelled on SIGINT or SIGTERM.
func withInterrupt(parent context.Context, onInterrupt func()) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-interrupt:
			if onInterrupt != nil {
				onInterrupt()
			}
			cancel()
		case <-done:
			return
		}
	}()

	return ctx, func() {
		close(done)
		signal.Stop(interrupt)
		cancel()
	}
}
