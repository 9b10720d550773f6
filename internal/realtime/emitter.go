// Package realtime delivers conversation events to connected clients. The
// engine depends only on the Emitter capability; the websocket hub is the
// reference transport behind it.
package realtime

// Emitter fans an event out to every subscriber of a room. Emit is
// fire-and-forget: delivery failures are the transport's problem, never the
// caller's.
type Emitter interface {
	Emit(room, event string, payload any)
}

// ConversationRoom names the room carrying message-level events for one
// conversation.
func ConversationRoom(conversationID string) string {
	return "conv:" + conversationID
}

// OrgRoom names the room carrying conversation-list events for one
// organization.
func OrgRoom(orgID string) string {
	return "org:" + orgID
}

// NopEmitter discards every event.
type NopEmitter struct{}

func (NopEmitter) Emit(room, event string, payload any) {}
