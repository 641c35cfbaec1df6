package dispatcher

// Bus topics the dispatcher publishes. Other components (the typing
// tracker, future consumers) subscribe to these instead of being called
// directly.
const (
	// TopicClientConnected is published when a channel authenticates.
	// Payload: {"userID": ..., "clientID": ...}.
	TopicClientConnected = "conv.client.connected"

	// TopicClientDisconnected is published when a channel drops, after its
	// rooms are left. Payload: {"userID": ..., "clientID": ..., "reason": ...}.
	TopicClientDisconnected = "conv.client.disconnected"

	// TopicMessageAccepted is published after a message is persisted and
	// fanned out. Payload: the canonical message JSON.
	TopicMessageAccepted = "conv.message.accepted"
)
