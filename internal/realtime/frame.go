package realtime

import "encoding/json"

// Client events.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventChat       = "chat-message"
	EventEditChat   = "edit-message"
	EventDeleteChat = "delete-message"
	EventFileSave   = "file-save"
	EventAddUser    = "add-user-to-operation"
)

// Server events.
const (
	EventChatClient         = "chat-message-client"
	EventEditChatClient     = "edit-message-client"
	EventDeleteChatClient   = "delete-message-client"
	EventFileChanged        = "file-changed"
	EventFileSaved          = "file-saved"
	EventPermissionsUpdated = "operation-permissions-updated"
	EventNewOperation       = "new-operation"
	EventOperationUpdated   = "operation-updated"
	EventOperationDeleted   = "operation-deleted"
	EventRevokeAccess       = "revoke-operation-access"
	EventError              = "error"
)

// Frame is the JSON envelope of every websocket message in both directions.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type connectPayload struct {
	Token string `json:"token"`
}

type errorPayload struct {
	Event   string `json:"event,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Payload: raw})
}
