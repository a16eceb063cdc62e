package domain

import "time"

// BotLog is one persisted event on a bot's timeline: deployment stage
// transitions and lifecycle actions.
type BotLog struct {
	ID           string
	BotName      string
	DeploymentID int64
	Level        string
	Message      string
	CreatedAt    time.Time
}
