package protocol

// HTTP route path constants, grouped the way the teacher groups RPC method
// names: one block per resource area. internal/gateway/server.go registers
// its handlers with literal paths rather than these constants, and the
// dedup, health-trends, council, schedule, session and workflow list/by-id
// paths have no handler there.
const (
	RouteHealth         = "/api/health"
	RouteMetrics        = "/metrics"
	RouteAgentCard      = "/.well-known/agent-card.json"
	RouteDedupAdmin     = "/api/dedup/{namespace}"
	RouteHealthTrends   = "/api/agents/{id}/health-trends"
	RouteSlackEvents    = "/api/slack/events"
	RouteWebhookGithub  = "/webhooks/github"
	RouteWebhooksList   = "/api/webhooks"
	RouteWebhookByID    = "/api/webhooks/{id}"
	RouteWebhookDelivs  = "/api/webhooks/{id}/deliveries"
	RouteAllWebhookDels = "/api/webhooks/deliveries"

	RouteCouncilLaunch  = "/api/councils/{id}/launch"
	RouteCouncilTrigger = "/api/council-launches/{id}/{trigger}"

	RouteSchedulesList = "/api/schedules"
	RouteScheduleByID  = "/api/schedules/{id}"

	RouteWorkflowsList  = "/api/workflows"
	RouteWorkflowByID   = "/api/workflows/{id}"
	RouteWorkflowTrigger = "/api/workflows/{id}/trigger"

	RouteSessionsList = "/api/sessions"
	RouteSessionByID  = "/api/sessions/{id}"
)
