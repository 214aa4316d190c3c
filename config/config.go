package config

import (
	"github.com/kelseyhightower/envconfig"
)

// Config provides the system configuration.
type Config struct {
	Debug    bool   `envconfig:"DEBUG"`
	Trace    bool   `envconfig:"TRACE"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	StoragePath string `envconfig:"STORAGE_PATH" default:"./storage"`
	// SandboxRoot is the tree execution working directories must resolve
	// into. Empty means <STORAGE_PATH>/workspace.
	SandboxRoot string `envconfig:"SANDBOX_ROOT"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`
	WSPort      int    `envconfig:"WS_PORT" default:"8765"`

	Auth struct {
		Enabled bool   `envconfig:"AUTH_ENABLED" default:"false"`
		Token   string `envconfig:"AUTH_TOKEN"`
	}

	Limits struct {
		MaxConcurrentExecutions int `envconfig:"MAX_CONCURRENT_EXECUTIONS" default:"500"`
		MaxLineBytes            int `envconfig:"MAX_LINE_BYTES" default:"65536"`
		// DefaultExecutionTimeoutSeconds applies when the request carries no
		// timeout. Zero means no timeout.
		DefaultExecutionTimeoutSeconds int `envconfig:"DEFAULT_EXECUTION_TIMEOUT_SECONDS" default:"0"`
		// SubscriberQueueSize is the high-water mark for a WebSocket
		// subscriber's outbound queue. Subscribers that fall behind it
		// are disconnected.
		SubscriberQueueSize int `envconfig:"SUBSCRIBER_QUEUE_SIZE" default:"256"`
		// StepLogBufferSize bounds the in-memory log entries retained per
		// step before a flush to disk is forced.
		StepLogBufferSize int `envconfig:"STEP_LOG_BUFFER_SIZE" default:"1024"`
	}
}

// Load loads the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{}
	err := envconfig.Process("", &cfg)
	return cfg, err
}
