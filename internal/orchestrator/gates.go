package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cswenor/conductor/internal/bus"
	"github.com/cswenor/conductor/internal/outbox"
)

// Gate names.
const (
	GateTestsPass  = "tests_pass"
	GatePlanValid  = "plan_valid"
	GateReviewPass = "review_pass"
	GatePRCreated  = "pr_created"
)

// GateResult is one gate evaluation.
type GateResult struct {
	Gate   string
	Passed bool
	Reason string
}

// gateArtifactTypes maps artifact-backed gates to the artifact they read.
var gateArtifactTypes = map[string]string{
	GateTestsPass:  ArtifactTestReport,
	GatePlanValid:  ArtifactPlan,
	GateReviewPass: ArtifactReview,
}

// EvaluateGate computes a gate from artifacts and outbox state, and
// publishes a gate.evaluated stream event.
func (o *Orchestrator) EvaluateGate(ctx context.Context, run *Run, gate string, writes *outbox.Store) (*GateResult, error) {
	result := &GateResult{Gate: gate}

	switch gate {
	case GateTestsPass, GatePlanValid, GateReviewPass:
		artifact, err := o.runs.LatestArtifact(ctx, run.ID, gateArtifactTypes[gate])
		if err != nil {
			return nil, err
		}
		switch {
		case artifact == nil:
			result.Reason = fmt.Sprintf("no %s artifact", gateArtifactTypes[gate])
		case artifact.ValidationStatus == ValidationValid:
			result.Passed = true
		default:
			result.Reason = fmt.Sprintf("%s v%d is %s", artifact.Type, artifact.Version, artifact.ValidationStatus)
		}
	case GatePRCreated:
		if writes == nil {
			result.Reason = "outbox unavailable"
			break
		}
		rows, err := writes.ListRunWrites(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		for _, w := range rows {
			if w.Kind == "pull_request" && w.Status == outbox.StatusCompleted {
				result.Passed = true
				break
			}
		}
		if !result.Passed {
			result.Reason = "no completed pull_request write"
		}
	default:
		return nil, fmt.Errorf("unknown gate %q", gate)
	}

	if o.publisher != nil {
		o.publisher.Publish(ctx, &bus.StreamEvent{
			Kind:      bus.KindGateEvaluated,
			ProjectID: run.ProjectID,
			RunID:     run.ID,
			Payload: map[string]any{
				"gate":   gate,
				"passed": result.Passed,
				"reason": result.Reason,
			},
			CreatedAt: time.Now().UTC(),
		})
	}
	return result, nil
}

// EnforceGate evaluates a blocking gate and moves the run to blocked on
// failure. Returns the result either way.
func (o *Orchestrator) EnforceGate(ctx context.Context, run *Run, gate string, writes *outbox.Store, mirrorTarget string) (*GateResult, error) {
	result, err := o.EvaluateGate(ctx, run, gate, writes)
	if err != nil {
		return nil, err
	}
	if !result.Passed {
		_, berr := o.Block(ctx, run.ID, fmt.Sprintf("gate %s failed", gate), map[string]any{
			"gate":       gate,
			"detail":     result.Reason,
			"retryPhase": run.Phase,
		}, mirrorTarget)
		if berr != nil {
			return result, berr
		}
	}
	return result, nil
}
