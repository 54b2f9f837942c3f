package security

import (
	"context"
	"log/slog"

	"relaygate/internal/domain"
)

// WhitelistProvider supplies the current whitelist.
type WhitelistProvider interface {
	Load(ctx context.Context) (*domain.WhitelistConfig, error)
}

// Authorizer is the whitelist gate. It fails closed when the whitelist
// cannot be loaded.
type Authorizer struct {
	provider WhitelistProvider
	logger   *slog.Logger
}

func NewAuthorizer(provider WhitelistProvider, logger *slog.Logger) *Authorizer {
	return &Authorizer{provider: provider, logger: logger}
}

func (a *Authorizer) Authorize(ctx context.Context, teamID, userID, channelID string) domain.AuthorizationResult {
	cfg, err := a.provider.Load(ctx)
	if err != nil {
		a.logger.Error("whitelist unavailable, denying", "error", err)
		return domain.AuthorizationResult{
			Authorized:   false,
			ErrorMessage: "whitelist could not be loaded",
		}
	}

	result := Evaluate(cfg, teamID, userID, channelID)
	if !result.Authorized {
		a.logger.Warn("request not whitelisted",
			"team_id", teamID,
			"user_id", userID,
			"channel_id", channelID,
			"dimensions", result.UnauthorizedDimensions,
			"source", cfg.Source,
		)
	}
	return result
}
