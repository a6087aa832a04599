package internal

import (
	"strings"
	"time"
)

type Config struct {
	Host     string `env:"HOST,required=true"`
	Port     int    `env:"PORT,required=true"`
	LogLevel string `env:"LOG_LEVEL,required=true"`

	RelayURL       string        `env:"RELAY_URL,default=ws://localhost:8080/ws"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT,default=15s"`
	SinkTimeout    time.Duration `env:"SINK_TIMEOUT,default=2s"`
	BufferSize     int           `env:"BUFFER_SIZE,default=256"`
	SendBufferSize int           `env:"SEND_BUFFER_SIZE,default=64"`

	ICEServers string `env:"ICE_SERVERS"`

	ReassertAttempts int           `env:"REASSERT_ATTEMPTS,default=3"`
	ReassertDelay    time.Duration `env:"REASSERT_DELAY,default=500ms"`

	BotMinDelay time.Duration `env:"BOT_MIN_DELAY,default=1500ms"`
	BotMaxDelay time.Duration `env:"BOT_MAX_DELAY,default=2500ms"`

	BadgerFilepath string `env:"BADGER_FILEPATH"`
	BlugeFilepath  string `env:"BLUGE_FILEPATH"`
	LimitMessages  *int   `env:"LIMIT_MESSAGES"`

	CensoredWords       string `env:"CENSORED_WORDS"`
	CensoredReplacement string `env:"CENSORED_REPLACEMENT,default=*"`
}

// CensoredWordList splits the comma-separated CENSORED_WORDS value, empty
// meaning moderation is disabled.
func (c Config) CensoredWordList() []string {
	if strings.TrimSpace(c.CensoredWords) == "" {
		return nil
	}
	parts := strings.Split(c.CensoredWords, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// CensoredRune returns the mask character, falling back to a star when the
// configured value is empty.
func (c Config) CensoredRune() rune {
	for _, r := range c.CensoredReplacement {
		return r
	}
	return '*'
}

// ICEServerList splits the comma-separated ICE_SERVERS value, empty meaning
// the built-in default set.
func (c Config) ICEServerList() []string {
	if strings.TrimSpace(c.ICEServers) == "" {
		return nil
	}
	parts := strings.Split(c.ICEServers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
