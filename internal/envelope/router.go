package envelope

import "fmt"

// Lane separates latency-sensitive traffic from standard throughput work.
type Lane string

const (
	LanePriority Lane = "priority"
	LaneStandard Lane = "standard"
)

// Destination is a resolved queue address. Stream follows the
// jobs:<service>:<tenant>:<lane> convention.
type Destination struct {
	Stream string
	Lane   Lane
}

// Router resolves a validated envelope to its destination queue.
// Routing is a pure function of (target_service, domain, priority): no
// side effects, no job state mutation, reproducible in tests.
type Router struct {
	// Envelopes with Priority <= PriorityThreshold ride the priority lane.
	PriorityThreshold int
}

// DefaultPriorityThreshold routes priority 0 and 1 to the low-latency lane.
const DefaultPriorityThreshold = 1

func NewRouter() *Router {
	return &Router{PriorityThreshold: DefaultPriorityThreshold}
}

// Route validates the envelope and resolves its destination. Invalid
// envelopes are rejected here, before anything touches a queue.
func (r *Router) Route(e Envelope) (Destination, error) {
	if err := e.Validate(); err != nil {
		return Destination{}, err
	}

	lane := LaneStandard
	if e.Priority <= r.PriorityThreshold {
		lane = LanePriority
	}

	return Destination{
		Stream: StreamName(e.TargetService, string(e.Type.Domain), e.TenantID, lane),
		Lane:   lane,
	}, nil
}

// StreamName builds the queue stream key for a service/domain/tenant/lane.
func StreamName(service, domain, tenantID string, lane Lane) string {
	return fmt.Sprintf("jobs:%s:%s:%s:%s", service, domain, tenantID, lane)
}

// DLQStreamName is where messages land after exhausting their attempts.
func DLQStreamName(service string) string {
	return fmt.Sprintf("jobs:%s:dlq", service)
}
