package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/invopop/jsonschema"
)

// Transport names accepted in the transport setting.
const (
	TransportHTTP = "http"
	TransportCurl = "curl"
)

// ErrConfigInvalid is returned when a loaded config fails validation.
var ErrConfigInvalid = errors.New("config invalid")

// Config controls how autopilot reaches the opencode server and drives a turn.
type Config struct {
	// BaseURL is the opencode server root.
	BaseURL string `yaml:"base_url" json:"base_url" jsonschema:"description=opencode server root URL,default=http://localhost:8090/opencode"`
	// RequestTimeout bounds each request/response call.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" jsonschema:"type=string,description=Timeout per API call (Go duration),default=15s"`
	// Deadline bounds the whole turn.
	Deadline time.Duration `yaml:"deadline" json:"deadline" jsonschema:"type=string,description=Maximum time to wait for the turn to finish,default=5m"`
	// PollInterval is the fallback wake-up period of the watch loop.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" jsonschema:"type=string,description=Fallback interval between question checks,default=300ms"`
	// ReconnectDelay is waited before reopening a lost event stream.
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay" jsonschema:"type=string,description=Delay before reconnecting the event stream,default=500ms"`
	// Transport selects how the event stream is read.
	Transport string `yaml:"transport" json:"transport" jsonschema:"description=Event stream transport,enum=http,enum=curl,default=http"`
	// Directory scopes API calls to a project directory.
	Directory string `yaml:"directory,omitempty" json:"directory,omitempty" jsonschema:"description=Project directory sent with every API call"`
	// Agent names the opencode agent that handles the prompt.
	Agent string `yaml:"agent,omitempty" json:"agent,omitempty" jsonschema:"description=Agent used for the prompt"`
	// Title is given to sessions created by autopilot.
	Title string `yaml:"title,omitempty" json:"title,omitempty" jsonschema:"description=Title for new sessions"`
	// DefaultAnswer is selected for questions that offer no options.
	DefaultAnswer string `yaml:"default_answer" json:"default_answer" jsonschema:"description=Label answered when a question has no options,default=Yes"`
	// RejectQuestions dismisses questions instead of answering them.
	RejectQuestions bool `yaml:"reject_questions,omitempty" json:"reject_questions,omitempty" jsonschema:"description=Reject clarification questions instead of answering"`
	// Answers maps question headers to the label to answer with.
	Answers map[string]string `yaml:"answers,omitempty" json:"answers,omitempty" jsonschema:"description=Scripted answers keyed by question header"`

	// Sources lists the files that contributed to this config, in load order.
	Sources []string `yaml:"-" json:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BaseURL:        "http://localhost:8090/opencode",
		RequestTimeout: 15 * time.Second,
		Deadline:       5 * time.Minute,
		PollInterval:   300 * time.Millisecond,
		ReconnectDelay: 500 * time.Millisecond,
		Transport:      TransportHTTP,
		DefaultAnswer:  "Yes",
		Answers:        map[string]string{},
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	parsed, err := url.Parse(c.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: base_url %q must be an http(s) URL", ErrConfigInvalid, c.BaseURL)
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"request_timeout", c.RequestTimeout},
		{"deadline", c.Deadline},
		{"poll_interval", c.PollInterval},
		{"reconnect_delay", c.ReconnectDelay},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrConfigInvalid, d.name)
		}
	}
	switch c.Transport {
	case TransportHTTP, TransportCurl:
	default:
		return fmt.Errorf("%w: transport %q must be %s or %s", ErrConfigInvalid, c.Transport, TransportHTTP, TransportCurl)
	}
	if c.DefaultAnswer == "" {
		return fmt.Errorf("%w: default_answer must not be empty", ErrConfigInvalid)
	}
	return nil
}

// Schema returns the JSON schema of the config file.
func Schema() ([]byte, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&Config{})
	schema.Title = "autopilot config"
	raw, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config schema: %w", err)
	}
	return raw, nil
}
