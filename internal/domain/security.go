package domain

import "time"

// Whitelist dimension names, reported in AuthorizationResult.
const (
	DimensionTeam    = "team_id"
	DimensionUser    = "user_id"
	DimensionChannel = "channel_id"
)

// WhitelistConfig holds the allowed identifiers per dimension. An empty set
// leaves that dimension unrestricted.
type WhitelistConfig struct {
	TeamIDs    map[string]struct{}
	UserIDs    map[string]struct{}
	ChannelIDs map[string]struct{}
	Source     string
}

// NewWhitelistConfig builds a WhitelistConfig from plain lists, skipping
// blank values.
func NewWhitelistConfig(source string, teams, users, channels []string) *WhitelistConfig {
	return &WhitelistConfig{
		TeamIDs:    toSet(teams),
		UserIDs:    toSet(users),
		ChannelIDs: toSet(channels),
		Source:     source,
	}
}

// IsEmpty reports whether no dimension is restricted.
func (w *WhitelistConfig) IsEmpty() bool {
	return len(w.TeamIDs) == 0 && len(w.UserIDs) == 0 && len(w.ChannelIDs) == 0
}

// Size is the total number of entries across dimensions.
func (w *WhitelistConfig) Size() int {
	return len(w.TeamIDs) + len(w.UserIDs) + len(w.ChannelIDs)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}

// WhitelistEntry is one row of the persisted whitelist.
type WhitelistEntry struct {
	Dimension string    `json:"dimension"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

type AuthorizationResult struct {
	Authorized             bool
	UnauthorizedDimensions []string
	ErrorMessage           string
}

// AuditEntry records the terminal outcome of one task.
type AuditEntry struct {
	CorrelationID string
	Status        string // completed | error
	State         string // last state reached
	ErrorCode     string
	BackendID     string
	Duration      time.Duration
}

// CacheEntry is a positive existence result for one identifier triple.
type CacheEntry struct {
	Key        string
	VerifiedAt time.Time
	ExpiresAt  time.Time
}
