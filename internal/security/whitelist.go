package security

import (
	"relaygate/internal/domain"
)

// Evaluate applies cfg to one identifier triple. Each non-empty set must
// contain the matching identifier; empty sets are not enforced, so an all
// empty config authorizes everything.
func Evaluate(cfg *domain.WhitelistConfig, teamID, userID, channelID string) domain.AuthorizationResult {
	if cfg == nil || cfg.IsEmpty() {
		return domain.AuthorizationResult{Authorized: true}
	}

	var denied []string
	if !allowed(cfg.TeamIDs, teamID) {
		denied = append(denied, domain.DimensionTeam)
	}
	if !allowed(cfg.UserIDs, userID) {
		denied = append(denied, domain.DimensionUser)
	}
	if !allowed(cfg.ChannelIDs, channelID) {
		denied = append(denied, domain.DimensionChannel)
	}

	return domain.AuthorizationResult{
		Authorized:             len(denied) == 0,
		UnauthorizedDimensions: denied,
	}
}

func allowed(set map[string]struct{}, id string) bool {
	if len(set) == 0 {
		return true
	}
	if id == "" {
		return false
	}
	_, ok := set[id]
	return ok
}
