// Package platform adapts the Slack Web API to the gateway's chat platform
// contract.
package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"relaygate/internal/domain"
	"relaygate/internal/retry"
)

const slackMaxMsgLen = 4000

// notFoundCodes are Slack error codes that mean the entity does not exist.
var notFoundCodes = map[string]bool{
	"team_not_found":    true,
	"user_not_found":    true,
	"channel_not_found": true,
}

// permanentCodes fail immediately; retrying with the same token cannot help.
var permanentCodes = map[string]bool{
	"invalid_auth":     true,
	"not_authed":       true,
	"account_inactive": true,
	"token_revoked":    true,
	"missing_scope":    true,
	"user_not_visible": true,
}

// Slack talks to the Slack Web API with the per-task bot token.
type Slack struct {
	apiURL         string
	httpClient     *http.Client
	downloadClient *http.Client
	logger         *slog.Logger
}

// SlackConfig configures the Slack adapter.
type SlackConfig struct {
	APIURL     string // empty uses slack.com
	HTTPClient *http.Client
	// DownloadHTTPClient serves file downloads, which get a longer timeout
	// than Web API calls. Nil uses HTTPClient.
	DownloadHTTPClient *http.Client
	Logger             *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.DownloadHTTPClient == nil {
		cfg.DownloadHTTPClient = cfg.HTTPClient
	}
	return &Slack{
		apiURL:         cfg.APIURL,
		httpClient:     cfg.HTTPClient,
		downloadClient: cfg.DownloadHTTPClient,
		logger:         cfg.Logger,
	}
}

func (s *Slack) client(token string) *slack.Client {
	return s.clientWith(token, s.httpClient)
}

func (s *Slack) clientWith(token string, hc *http.Client) *slack.Client {
	opts := []slack.Option{slack.OptionHTTPClient(hc)}
	if s.apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(s.apiURL))
	}
	return slack.New(token, opts...)
}

// VerifyEntity looks the entity up and classifies the failure: not-found
// wraps domain.ErrEntityNotFound, auth problems are marked permanent and
// everything else is left retryable.
func (s *Slack) VerifyEntity(ctx context.Context, credential string, kind domain.EntityKind, id string) error {
	api := s.client(credential)

	var err error
	switch kind {
	case domain.EntityTeam:
		_, err = api.GetOtherTeamInfoContext(ctx, id)
	case domain.EntityUser:
		_, err = api.GetUserInfoContext(ctx, id)
	case domain.EntityChannel:
		_, err = api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: id})
	default:
		return retry.Permanent(fmt.Errorf("unknown entity kind %q", kind))
	}
	return classifyError(err)
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr slack.SlackErrorResponse
	if errors.As(err, &apiErr) {
		if notFoundCodes[apiErr.Err] {
			return fmt.Errorf("%w: %s", domain.ErrEntityNotFound, apiErr.Err)
		}
		if permanentCodes[apiErr.Err] {
			return retry.Permanent(err)
		}
		return err
	}
	var statusErr slack.StatusCodeError
	if errors.As(err, &statusErr) && !statusErr.Retryable() {
		return retry.Permanent(err)
	}
	return err
}

// DownloadFile streams a private file into w using the bot token.
func (s *Slack) DownloadFile(ctx context.Context, credential, url string, w io.Writer) error {
	if err := s.clientWith(credential, s.downloadClient).GetFileContext(ctx, url, w); err != nil {
		return classifyError(err)
	}
	return nil
}

// PostReply posts the reply text in chunks and attaches an inline file to
// the same thread.
func (s *Slack) PostReply(ctx context.Context, credential string, reply domain.Reply) error {
	api := s.client(credential)

	if reply.Text != "" {
		for _, chunk := range splitSlackMessage(reply.Text, slackMaxMsgLen) {
			opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
			if reply.ThreadTS != "" {
				opts = append(opts, slack.MsgOptionTS(reply.ThreadTS))
			}
			if _, _, err := api.PostMessageContext(ctx, reply.Channel, opts...); err != nil {
				return fmt.Errorf("slack post message: %w", err)
			}
		}
	}

	if reply.File != nil && len(reply.File.Content) > 0 {
		name := reply.File.Name
		if name == "" {
			name = "attachment"
		}
		_, err := api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			Reader:          bytes.NewReader(reply.File.Content),
			FileSize:        len(reply.File.Content),
			Filename:        name,
			Title:           name,
			Channel:         reply.Channel,
			ThreadTimestamp: reply.ThreadTS,
		})
		if err != nil {
			return fmt.Errorf("slack upload file: %w", err)
		}
	}

	s.logger.Debug("slack reply sent", "channel", reply.Channel, "text_len", len(reply.Text), "file", reply.File != nil)
	return nil
}

// AuthTest reports the workspace and bot user a token belongs to.
func (s *Slack) AuthTest(ctx context.Context, credential string) (team, user string, err error) {
	resp, err := s.client(credential).AuthTestContext(ctx)
	if err != nil {
		return "", "", fmt.Errorf("slack auth: %w", err)
	}
	return resp.Team, resp.User, nil
}

func splitSlackMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

// StripMentions removes leading <@U123> bot mentions from message text.
func StripMentions(text string) string {
	text = strings.TrimSpace(text)
	for strings.HasPrefix(text, "<@") {
		idx := strings.Index(text, ">")
		if idx < 0 {
			break
		}
		text = strings.TrimSpace(text[idx+1:])
	}
	return text
}
