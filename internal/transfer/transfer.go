// Package transfer moves attachments between the chat platform, object
// storage and backends, choosing inline or pre-signed delivery by size.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"relaygate/internal/domain"
	"relaygate/internal/retry"
)

// DefaultInlineThreshold is the largest artifact delivered inline (200 KiB).
const DefaultInlineThreshold int64 = 200 * 1024

// Downloader fetches platform-hosted files.
type Downloader interface {
	DownloadFile(ctx context.Context, credential, url string, w io.Writer) error
}

type Config struct {
	Downloader      Downloader
	Store           domain.ObjectStore // nil disables object storage
	InlineThreshold int64
	MaxAttachments  int
	DownloadTimeout time.Duration
	InboundURLTTL   time.Duration
	OutboundURLTTL  time.Duration
	Retry           retry.Policy
	Logger          *slog.Logger
}

// Delivery is how a result file reaches the user: inline bytes or a URL.
type Delivery struct {
	Inline *domain.FileArtifact
	URL    string
	Name   string
}

// Coordinator implements inbound enrichment, outbound delivery and cleanup.
type Coordinator struct {
	downloader      Downloader
	store           domain.ObjectStore
	threshold       int64
	maxAttachments  int
	downloadTimeout time.Duration
	inboundTTL      time.Duration
	outboundTTL     time.Duration
	policy          retry.Policy
	logger          *slog.Logger

	mu      sync.Mutex
	tracked map[string][]string // correlation id -> inbound keys
}

func New(cfg Config) *Coordinator {
	if cfg.InlineThreshold <= 0 {
		cfg.InlineThreshold = DefaultInlineThreshold
	}
	if cfg.MaxAttachments <= 0 {
		cfg.MaxAttachments = 5
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 30 * time.Second
	}
	if cfg.InboundURLTTL <= 0 {
		cfg.InboundURLTTL = 15 * time.Minute
	}
	if cfg.OutboundURLTTL <= 0 {
		cfg.OutboundURLTTL = time.Hour
	}
	return &Coordinator{
		downloader:      cfg.Downloader,
		store:           cfg.Store,
		threshold:       cfg.InlineThreshold,
		maxAttachments:  cfg.MaxAttachments,
		downloadTimeout: cfg.DownloadTimeout,
		inboundTTL:      cfg.InboundURLTTL,
		outboundTTL:     cfg.OutboundURLTTL,
		policy:          cfg.Retry,
		logger:          cfg.Logger,
		tracked:         make(map[string][]string),
	}
}

func (c *Coordinator) Threshold() int64 { return c.threshold }

// AttachmentPrefix is the object storage prefix holding a task's inbound files.
func AttachmentPrefix(correlationID string) string {
	return "attachments/" + correlationID + "/"
}

// AttachmentKey scopes an inbound object to its task and attachment.
func AttachmentKey(correlationID, attachmentID, name string) string {
	return AttachmentPrefix(correlationID) + attachmentID + "/" + safeName(name, attachmentID)
}

// ResultKey is where an oversized backend artifact is stored.
func ResultKey(correlationID, name string) string {
	return "results/" + correlationID + "/" + safeName(name, "result")
}

func safeName(name, fallback string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return fallback
	}
	return name
}

// --- Inbound ---

// Enrich copies the task's attachments into object storage and returns
// descriptors that reference pre-signed URLs. Attachments beyond the cap and
// attachments that fail are dropped; the task continues without them.
func (c *Coordinator) Enrich(ctx context.Context, task *domain.Task) []domain.AttachmentDescriptor {
	atts := task.Attachments
	if len(atts) == 0 {
		return nil
	}
	logger := c.logger.With("correlation_id", task.CorrelationID)

	if len(atts) > c.maxAttachments {
		logger.Warn("too many attachments, dropping excess",
			"count", len(atts), "max", c.maxAttachments)
		atts = atts[:c.maxAttachments]
	}

	if c.store == nil {
		logger.Debug("no object store configured, passing platform references through")
		return append([]domain.AttachmentDescriptor(nil), atts...)
	}

	enriched := make([]domain.AttachmentDescriptor, 0, len(atts))
	for _, att := range atts {
		url, err := c.enrichOne(ctx, task, att)
		if err != nil {
			logger.Warn("attachment skipped", "attachment_id", att.ID, "name", att.Name, "error", err)
			continue
		}
		enriched = append(enriched, att.Enriched(url))
	}
	return enriched
}

func (c *Coordinator) enrichOne(ctx context.Context, task *domain.Task, att domain.AttachmentDescriptor) (string, error) {
	if att.URLPrivateDownload == "" {
		if att.PresignedURL != "" {
			return att.PresignedURL, nil
		}
		return "", errors.New("attachment has no download reference")
	}

	var buf bytes.Buffer
	err := retry.Do(ctx, c.policy, c.logger, "download attachment", func(ctx context.Context) error {
		buf.Reset()
		dlCtx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
		defer cancel()
		return c.downloader.DownloadFile(dlCtx, task.BotToken, att.URLPrivateDownload, &buf)
	})
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}

	key := AttachmentKey(task.CorrelationID, att.ID, att.Name)
	if err := c.store.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), att.Mimetype); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	c.track(task.CorrelationID, key)

	url, err := c.store.PresignGet(ctx, key, c.inboundTTL)
	if err != nil {
		return "", fmt.Errorf("presign: %w", err)
	}
	return url, nil
}

func (c *Coordinator) track(correlationID, key string) {
	c.mu.Lock()
	c.tracked[correlationID] = append(c.tracked[correlationID], key)
	c.mu.Unlock()
}

// --- Outbound ---

// Deliver decides how a backend artifact reaches the user. Artifacts up to
// the threshold travel inline; larger ones are uploaded and delivered by
// pre-signed URL. An upload failure is returned as domain.ErrUploadFailed and
// never falls back to inline delivery.
func (c *Coordinator) Deliver(ctx context.Context, correlationID string, artifact *domain.FileArtifact) (Delivery, error) {
	if artifact == nil {
		return Delivery{}, nil
	}
	name := safeName(artifact.Name, "result")

	if artifact.ObjectKey != "" && len(artifact.Content) == 0 {
		if c.store == nil {
			return Delivery{}, fmt.Errorf("%w: artifact stored remotely but no object store configured", domain.ErrUploadFailed)
		}
		url, err := c.store.PresignGet(ctx, artifact.ObjectKey, c.outboundTTL)
		if err != nil {
			return Delivery{}, fmt.Errorf("%w: presign %s: %v", domain.ErrUploadFailed, artifact.ObjectKey, err)
		}
		return Delivery{URL: url, Name: name}, nil
	}

	size := int64(len(artifact.Content))
	if size <= c.threshold {
		inline := *artifact
		inline.Size = size
		inline.Name = name
		return Delivery{Inline: &inline, Name: name}, nil
	}

	if c.store == nil {
		return Delivery{}, fmt.Errorf("%w: artifact of %d bytes exceeds inline threshold and no object store is configured", domain.ErrUploadFailed, size)
	}
	key := ResultKey(correlationID, name)
	if err := c.store.Put(ctx, key, bytes.NewReader(artifact.Content), size, artifact.Mimetype); err != nil {
		return Delivery{}, fmt.Errorf("%w: %v", domain.ErrUploadFailed, err)
	}
	url, err := c.store.PresignGet(ctx, key, c.outboundTTL)
	if err != nil {
		return Delivery{}, fmt.Errorf("%w: presign: %v", domain.ErrUploadFailed, err)
	}
	c.logger.Info("artifact delivered by url", "correlation_id", correlationID, "size", size, "key", key)
	return Delivery{URL: url, Name: name}, nil
}

// --- Cleanup ---

// Cleanup deletes every inbound object created for the task. Result objects
// stay until their links expire.
func (c *Coordinator) Cleanup(ctx context.Context, correlationID string) error {
	c.mu.Lock()
	keys := c.tracked[correlationID]
	delete(c.tracked, correlationID)
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}

	listed, err := c.store.List(ctx, AttachmentPrefix(correlationID))
	if err != nil {
		c.logger.Warn("cleanup listing failed, deleting tracked keys only",
			"correlation_id", correlationID, "error", err)
	}
	keys = dedupe(append(keys, listed...))
	if len(keys) == 0 {
		return nil
	}

	if err := c.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("cleanup %s: %w", correlationID, err)
	}
	c.logger.Debug("transfer objects deleted", "correlation_id", correlationID, "count", len(keys))
	return nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
