package domain

import (
	"context"
	"io"
)

// Entity kinds checked by the existence verifier.
type EntityKind string

const (
	EntityTeam    EntityKind = "team"
	EntityUser    EntityKind = "user"
	EntityChannel EntityKind = "channel"
)

// Reply is the single outbound message for a task.
type Reply struct {
	Channel  string
	ThreadTS string
	Text     string
	// File is attached inline; nil when the reply carries no file or the
	// file was delivered by URL inside Text.
	File *FileArtifact
}

// ChatPlatform is the inbound event source and reply sink (Slack).
type ChatPlatform interface {
	// VerifyEntity returns nil when the entity exists, ErrEntityNotFound
	// when the platform says it does not, and any other error otherwise.
	VerifyEntity(ctx context.Context, credential string, kind EntityKind, id string) error
	DownloadFile(ctx context.Context, credential, url string, w io.Writer) error
	PostReply(ctx context.Context, credential string, reply Reply) error
}
