package domain

import "context"

// Backend result statuses.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// BackendRequest is the payload handed to a backend.
type BackendRequest struct {
	CorrelationID string                 `json:"correlation_id"`
	TeamID        string                 `json:"team_id"`
	UserID        string                 `json:"user_id"`
	Channel       string                 `json:"channel"`
	Text          string                 `json:"text"`
	ThreadTS      string                 `json:"thread_ts,omitempty"`
	Attachments   []AttachmentDescriptor `json:"attachments,omitempty"`
	BotToken      string                 `json:"bot_token,omitempty"`
}

// BackendResult is what a backend returns.
type BackendResult struct {
	Status       string        `json:"status"`
	ResponseText string        `json:"response_text,omitempty"`
	FileArtifact *FileArtifact `json:"file_artifact,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// FileArtifact is a file produced by a backend. Content is inline bytes
// (base64 on the wire); ObjectKey is set when the file already lives in
// object storage.
type FileArtifact struct {
	Name      string `json:"name"`
	Mimetype  string `json:"mimetype"`
	Size      int64  `json:"size"`
	Content   []byte `json:"content_base64,omitempty"`
	ObjectKey string `json:"object_key,omitempty"`
}

// Backend is a remote processing agent.
type Backend interface {
	ID() string
	Card(ctx context.Context) (*AgentCard, error)
	Invoke(ctx context.Context, req BackendRequest) (*BackendResult, error)
}
