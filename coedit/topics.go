package coedit

import (
	"fmt"
)

// broker topics the client subscribes to
func DocumentUpdatesTopic(documentId Key) string {
	return fmt.Sprintf("/topic/document/%s/updates", documentId)
}

func DocumentCursorsTopic(documentId Key) string {
	return fmt.Sprintf("/topic/document/%s/cursors", documentId)
}

func DocumentPresenceTopic(documentId Key) string {
	return fmt.Sprintf("/topic/document/%s/presence", documentId)
}

// application destinations the client publishes to
func DocumentEditDestination(documentId Key) string {
	return fmt.Sprintf("/app/document/%s/edit", documentId)
}

func DocumentCursorDestination(documentId Key) string {
	return fmt.Sprintf("/app/document/%s/cursor", documentId)
}

func DocumentPresenceDestination(documentId Key) string {
	return fmt.Sprintf("/app/document/%s/presence", documentId)
}

// subscription channel keys. At most one subscription exists per key.
func UpdatesChannelKey(documentId Key) string {
	return fmt.Sprintf("updates-%s", documentId)
}

func CursorsChannelKey(documentId Key) string {
	return fmt.Sprintf("cursors-%s", documentId)
}

func PresenceChannelKey(documentId Key) string {
	return fmt.Sprintf("presence-%s", documentId)
}

func DocumentChannelKeys(documentId Key) []string {
	return []string{
		UpdatesChannelKey(documentId),
		CursorsChannelKey(documentId),
		PresenceChannelKey(documentId),
	}
}
