package runtime

import "fmt"

// Label keys attached to every container the platform owns.
const (
	LabelManaged = "multibot.managed"
	LabelBot     = "multibot.bot"
	LabelDeploy  = "multibot.deployment"
)

// ContainerNameFor returns the container name owning the bot's single
// instance slot.
func ContainerNameFor(botName string) string {
	return "bot_" + botName
}

// ImageTagFor returns the image tag for a bot's deployment. Tags are
// unique per deployment so a swap never races an in-use image.
func ImageTagFor(botName string, deploymentID int64) string {
	return fmt.Sprintf("bot_%s:%d", botName, deploymentID)
}

// LabelsFor returns the ownership labels for a bot's container.
func LabelsFor(botName string, deploymentID int64) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelBot:     botName,
		LabelDeploy:  fmt.Sprintf("%d", deploymentID),
	}
}
