package domain

import "time"

// Runtime identifies the template used when a bot ships no Dockerfile.
type Runtime string

const (
	RuntimePython Runtime = "python"
)

// Bot is a registered worker process hosted in its own container.
type Bot struct {
	Name         string
	Runtime      Runtime
	StartCommand string
	RepoURL      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BotEnvVar is one environment variable of a bot. Value is stored
// encrypted and only decrypted when injected at container create.
type BotEnvVar struct {
	BotName   string
	Key       string
	Value     []byte
	UpdatedAt time.Time
}
