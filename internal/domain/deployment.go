package domain

import "time"

// Deployment statuses. A deployment moves forward only; failed and
// succeeded are terminal.
const (
	DeployStatusPending   = "pending"
	DeployStatusFetching  = "fetching"
	DeployStatusBuilding  = "building"
	DeployStatusSwapping  = "swapping"
	DeployStatusSucceeded = "succeeded"
	DeployStatusFailed    = "failed"
)

// Deployment records one attempt to fetch, build and swap a bot's
// source. ID is monotonic per bot and assigned by the repository.
type Deployment struct {
	ID         int64
	BotName    string
	SourceRef  string
	ImageTag   string
	Status     string
	Message    string
	LogExcerpt string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Terminal reports whether the deployment reached a final status.
func (d Deployment) Terminal() bool {
	return d.Status == DeployStatusSucceeded || d.Status == DeployStatusFailed
}
