package domain

// Task is one inbound chat event handed to the gateway. It is built once per
// event and never mutated afterwards; enrichment produces new descriptors.
type Task struct {
	CorrelationID string                 `json:"correlation_id"`
	TeamID        string                 `json:"team_id"`
	UserID        string                 `json:"user_id"`
	Channel       string                 `json:"channel"`
	Text          string                 `json:"text"`
	ThreadTS      string                 `json:"thread_ts,omitempty"`
	Attachments   []AttachmentDescriptor `json:"attachments,omitempty"`
	BotToken      string                 `json:"bot_token,omitempty"`
}

// ReplyTarget returns where the single reply for this task goes.
func (t *Task) ReplyTarget() (channel, threadTS string) {
	return t.Channel, t.ThreadTS
}

// AttachmentDescriptor references a file attached to a task. Exactly one of
// URLPrivateDownload (platform-native) or PresignedURL (object storage) is set.
type AttachmentDescriptor struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Mimetype           string `json:"mimetype"`
	Size               int64  `json:"size"`
	URLPrivateDownload string `json:"url_private_download,omitempty"`
	PresignedURL       string `json:"presigned_url,omitempty"`
}

// Enriched returns a copy pointing at url instead of the platform reference.
func (a AttachmentDescriptor) Enriched(url string) AttachmentDescriptor {
	a.URLPrivateDownload = ""
	a.PresignedURL = url
	return a
}

// Gateway result statuses.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

// GatewayResult is the terminal outcome returned to the caller of the gateway.
type GatewayResult struct {
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}
