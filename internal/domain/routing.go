package domain

// Reserved router outputs.
const (
	RouteUnrouted   = "unrouted"
	RouteListAgents = "list_agents"
	RouteDirect     = "direct"
)

type RoutingKind int

const (
	RouteToBackend RoutingKind = iota
	RouteAbstain
	RouteList
	RouteLocal
)

// RoutingDecision is the router's answer for one task.
type RoutingDecision struct {
	Kind      RoutingKind
	BackendID string
	// FallbackReason is set when the router abstained for a reason other
	// than the classifier choosing "unrouted".
	FallbackReason string
}

func BackendDecision(id string) RoutingDecision {
	return RoutingDecision{Kind: RouteToBackend, BackendID: id}
}

func AbstainDecision(reason string) RoutingDecision {
	return RoutingDecision{Kind: RouteAbstain, FallbackReason: reason}
}

// String returns the wire value of the decision.
func (d RoutingDecision) String() string {
	switch d.Kind {
	case RouteToBackend:
		return d.BackendID
	case RouteList:
		return RouteListAgents
	case RouteLocal:
		return RouteDirect
	default:
		return RouteUnrouted
	}
}

// AgentCard describes one backend's capabilities.
type AgentCard struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	URL         string       `json:"url"`
	Skills      []AgentSkill `json:"skills,omitempty"`
}

type AgentSkill struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}
