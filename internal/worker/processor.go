package worker

import (
	"context"
	"encoding/json"

	"conductor.app/conductor/internal/model"
)

// Processor executes one job type. Implementations must be safe for
// concurrent use and should poll the cancellation check (passed via the
// job context by the worker) between expensive steps.
type Processor interface {
	JobType() string
	Execute(ctx context.Context, job *model.Job) (json.RawMessage, error)
}

// ProcessorSet resolves processors by job type.
type ProcessorSet struct {
	byType map[string]Processor
}

func NewProcessorSet(procs ...Processor) *ProcessorSet {
	s := &ProcessorSet{byType: make(map[string]Processor, len(procs))}
	for _, p := range procs {
		s.byType[p.JobType()] = p
	}
	return s
}

func (s *ProcessorSet) Lookup(jobType string) (Processor, bool) {
	p, ok := s.byType[jobType]
	return p, ok
}

// StubProcessor completes jobs by echoing their parameters. Deployments
// register real processors per job type; the stub keeps the pipeline
// exercisable end to end without one.
type StubProcessor struct {
	Type string
}

func NewStubProcessor(jobType string) StubProcessor {
	return StubProcessor{Type: jobType}
}

func (p StubProcessor) JobType() string { return p.Type }

func (p StubProcessor) Execute(_ context.Context, job *model.Job) (json.RawMessage, error) {
	return job.Params, nil
}
