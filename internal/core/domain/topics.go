package domain

// PresenceTopic is the single global channel carrying presence_update
// events for all users.
const PresenceTopic = "presence"

// ConversationTopic names the per-conversation broadcast channel.
func ConversationTopic(convID string) string {
	return "conversation:" + convID
}
