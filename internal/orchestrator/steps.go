package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/agent"
	"github.com/cswenor/conductor/internal/common/config"
	"github.com/cswenor/conductor/internal/common/logger"
	"github.com/cswenor/conductor/internal/github"
	"github.com/cswenor/conductor/internal/jobs"
	"github.com/cswenor/conductor/internal/outbox"
	"github.com/cswenor/conductor/internal/project"
	"github.com/cswenor/conductor/internal/worktree"
)

// Attempt caps before a run blocks.
const (
	MaxPlanRevisions  = 3
	MaxTestFixRounds  = 3
	MaxReviewRounds   = 3
	DefaultTestTarget = "make test"
)

// Steps holds the pipeline step handlers and their dependencies.
type Steps struct {
	orch        *Orchestrator
	runs        *Store
	manager     *worktree.Manager
	loop        *agent.Loop
	credentials agent.CredentialResolver
	agents      config.Agents
	writes      *outbox.Store
	projects    *project.Store
	testCommand string
	logger      *logger.Logger
}

// NewSteps assembles the step handlers. testCommand is the shell command
// run by tester_run_tests; empty selects the default.
func NewSteps(orch *Orchestrator, manager *worktree.Manager, loop *agent.Loop, creds agent.CredentialResolver, agents config.Agents, writes *outbox.Store, projects *project.Store, testCommand string, log *logger.Logger) *Steps {
	if testCommand == "" {
		testCommand = DefaultTestTarget
	}
	return &Steps{
		orch:        orch,
		runs:        orch.Runs(),
		manager:     manager,
		loop:        loop,
		credentials: creds,
		agents:      agents,
		writes:      writes,
		projects:    projects,
		testCommand: testCommand,
		logger:      log.WithFields(zap.String("component", "steps")),
	}
}

type stepJobPayload struct {
	RunID string `json:"runId"`
	Step  string `json:"step"`
}

// JobHandler adapts the pipeline to the run queue. One job walks the run
// through consecutive steps until the phase changes hands.
func (s *Steps) JobHandler() jobs.HandlerFunc {
	return func(ctx context.Context, job *jobs.Job) error {
		var p stepJobPayload
		if err := jobs.UnmarshalPayload(job, &p); err != nil {
			return fmt.Errorf("decode step payload: %w", err)
		}
		return s.Advance(ctx, p.RunID, p.Step)
	}
}

// CleanupJobHandler adapts worktree teardown to the cleanup queue.
// Terminal transitions enqueue one cleanup job per run.
func (s *Steps) CleanupJobHandler() jobs.HandlerFunc {
	return func(ctx context.Context, job *jobs.Job) error {
		var p stepJobPayload
		if err := jobs.UnmarshalPayload(job, &p); err != nil {
			return fmt.Errorf("decode cleanup payload: %w", err)
		}
		return s.manager.Destroy(ctx, p.RunID)
	}
}

// Advance runs steps starting at the given one, following in-phase
// continuations until a handler yields.
func (s *Steps) Advance(ctx context.Context, runID, step string) error {
	for step != "" {
		run, err := s.runs.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if IsTerminal(run.Phase) || run.Phase == PhaseBlocked {
			return nil
		}
		if run.PausedAt != nil {
			// A paused run keeps its step; resume re-enqueues it.
			return nil
		}
		if err := s.runs.SetStep(ctx, runID, step); err != nil {
			return err
		}

		next, err := s.dispatch(ctx, run, step)
		if err != nil {
			return err
		}
		step = next
	}
	return nil
}

func (s *Steps) dispatch(ctx context.Context, run *Run, step string) (string, error) {
	log := s.logger.WithRunID(run.ID).WithFields(zap.String("step", step))
	log.Info("running step")

	switch step {
	case StepSetupWorktree:
		return s.setupWorktree(ctx, run)
	case StepRoute:
		return s.route(ctx, run)
	case StepPlannerCreatePlan:
		return s.plannerCreatePlan(ctx, run)
	case StepReviewerPlan:
		return s.reviewerReviewPlan(ctx, run)
	case StepWaitPlanApproval, StepWaitPRMerge:
		// Operator- and webhook-driven; nothing to do here.
		return "", nil
	case StepImplementer:
		return s.implementerApplyChanges(ctx, run)
	case StepTesterRunTests:
		return s.testerRunTests(ctx, run)
	case StepReviewerCode:
		return s.reviewerReviewCode(ctx, run)
	case StepCreatePR:
		return s.createPR(ctx, run)
	case StepCleanup:
		return s.cleanup(ctx, run)
	default:
		return "", fmt.Errorf("unknown step %q", step)
	}
}

// setupWorktree is idempotent: an existing active worktree row short-
// circuits the clone and checkout.
func (s *Steps) setupWorktree(ctx context.Context, run *Run) (string, error) {
	wt, err := s.manager.Create(ctx, worktree.CreateParams{
		RunID:      run.ID,
		ProjectID:  run.ProjectID,
		RepoID:     run.RepoID,
		BaseBranch: run.BaseBranch,
	})
	if err != nil {
		_, berr := s.orch.Block(ctx, run.ID, "worktree setup failed", map[string]any{
			"error":      err.Error(),
			"retryPhase": run.Phase,
		}, s.mirrorTarget(ctx, run))
		if berr != nil {
			return "", berr
		}
		return "", nil
	}
	if err := s.runs.SetBranch(ctx, run.ID, wt.Branch); err != nil {
		return "", err
	}
	return StepRoute, nil
}

// route picks the next step from the run's accumulated state.
func (s *Steps) route(ctx context.Context, run *Run) (string, error) {
	plan, err := s.runs.LatestArtifact(ctx, run.ID, ArtifactPlan)
	if err != nil {
		return "", err
	}
	if plan == nil || plan.ValidationStatus != ValidationValid {
		return StepPlannerCreatePlan, nil
	}
	return StepImplementer, nil
}

func (s *Steps) plannerCreatePlan(ctx context.Context, run *Run) (string, error) {
	task, err := s.projects.GetTask(ctx, run.TaskID)
	if err != nil {
		return "", err
	}
	result, err := s.invokeAgent(ctx, run, agent.AgentPlanner, plannerSystemPrompt,
		fmt.Sprintf("Task #%d: %s\n\n%s", task.Number, task.Title, task.Body))
	if err != nil {
		return "", s.handleAgentError(ctx, run, agent.AgentPlanner, err)
	}
	if _, err := s.runs.SaveArtifact(ctx, run.ID, ArtifactPlan, result.Content); err != nil {
		return "", err
	}
	return StepReviewerPlan, nil
}

func (s *Steps) reviewerReviewPlan(ctx context.Context, run *Run) (string, error) {
	plan, err := s.runs.LatestArtifact(ctx, run.ID, ArtifactPlan)
	if err != nil {
		return "", err
	}
	if plan == nil {
		return StepPlannerCreatePlan, nil
	}

	result, err := s.invokeAgent(ctx, run, agent.AgentReviewer, planReviewSystemPrompt, plan.Content)
	if err != nil {
		return "", s.handleAgentError(ctx, run, agent.AgentReviewer, err)
	}
	if _, err := s.runs.SaveArtifact(ctx, run.ID, ArtifactReview, result.Content); err != nil {
		return "", err
	}

	if parseVerdict(result.Content) {
		if err := s.runs.SetArtifactValidation(ctx, plan.ID, ValidationValid); err != nil {
			return "", err
		}
		_, err := s.orch.TransitionPhase(ctx, TransitionParams{
			RunID:        run.ID,
			ToPhase:      PhaseAwaitingPlanApproval,
			TriggeredBy:  "step:" + StepReviewerPlan,
			MirrorTarget: s.mirrorTarget(ctx, run),
		})
		return "", err
	}

	if err := s.runs.SetArtifactValidation(ctx, plan.ID, ValidationInvalid); err != nil {
		return "", err
	}
	if run.PlanRevisions+1 >= MaxPlanRevisions {
		_, err := s.orch.Block(ctx, run.ID, "plan rejected after max revisions", map[string]any{
			"gate":       GatePlanValid,
			"revisions":  run.PlanRevisions + 1,
			"retryPhase": PhasePlanning,
		}, s.mirrorTarget(ctx, run))
		return "", err
	}
	if err := s.runs.IncrementCounter(ctx, run.ID, "plan_revisions"); err != nil {
		return "", err
	}
	return StepPlannerCreatePlan, nil
}

func (s *Steps) implementerApplyChanges(ctx context.Context, run *Run) (string, error) {
	plan, err := s.runs.LatestArtifact(ctx, run.ID, ArtifactPlan)
	if err != nil {
		return "", err
	}
	prompt := "Apply the approved plan to the worktree."
	if plan != nil {
		prompt += "\n\n" + plan.Content
	}
	if _, err := s.invokeAgent(ctx, run, agent.AgentImplementer, implementerSystemPrompt, prompt); err != nil {
		return "", s.handleAgentError(ctx, run, agent.AgentImplementer, err)
	}
	return StepTesterRunTests, nil
}

// testerRunTests executes the project's test command inside the worktree
// and records the output as a test_report artifact.
func (s *Steps) testerRunTests(ctx context.Context, run *Run) (string, error) {
	wt, err := s.manager.Store().GetByRunID(ctx, run.ID)
	if err != nil {
		return "", err
	}
	if wt == nil {
		return StepSetupWorktree, nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", s.testCommand)
	cmd.Dir = wt.Path
	output, runErr := cmd.CombinedOutput()
	passed := runErr == nil

	report := map[string]any{
		"command": s.testCommand,
		"passed":  passed,
		"output":  string(output),
	}
	if runErr != nil {
		report["error"] = runErr.Error()
	}
	encoded, err := json.Marshal(report)
	if err != nil {
		return "", err
	}
	artifact, err := s.runs.SaveArtifact(ctx, run.ID, ArtifactTestReport, string(encoded))
	if err != nil {
		return "", err
	}
	status := ValidationInvalid
	if passed {
		status = ValidationValid
	}
	if err := s.runs.SetArtifactValidation(ctx, artifact.ID, status); err != nil {
		return "", err
	}

	if passed {
		return StepReviewerCode, nil
	}
	if run.TestFixAttempts+1 >= MaxTestFixRounds {
		result, err := s.orch.EnforceGate(ctx, run, GateTestsPass, s.writes, s.mirrorTarget(ctx, run))
		if err != nil {
			return "", err
		}
		s.logger.WithRunID(run.ID).Warn("tests still failing, run blocked",
			zap.String("reason", result.Reason))
		return "", nil
	}
	if err := s.runs.IncrementCounter(ctx, run.ID, "test_fix_attempts"); err != nil {
		return "", err
	}
	return StepImplementer, nil
}

func (s *Steps) reviewerReviewCode(ctx context.Context, run *Run) (string, error) {
	report, err := s.runs.LatestArtifact(ctx, run.ID, ArtifactTestReport)
	if err != nil {
		return "", err
	}
	prompt := "Review the implemented change for this run."
	if report != nil {
		prompt += "\n\nTest report:\n" + report.Content
	}
	result, err := s.invokeAgent(ctx, run, agent.AgentReviewer, codeReviewSystemPrompt, prompt)
	if err != nil {
		return "", s.handleAgentError(ctx, run, agent.AgentReviewer, err)
	}
	review, err := s.runs.SaveArtifact(ctx, run.ID, ArtifactReview, result.Content)
	if err != nil {
		return "", err
	}

	if parseVerdict(result.Content) {
		if err := s.runs.SetArtifactValidation(ctx, review.ID, ValidationValid); err != nil {
			return "", err
		}
		_, err := s.orch.TransitionPhase(ctx, TransitionParams{
			RunID:        run.ID,
			ToPhase:      PhaseAwaitingReview,
			TriggeredBy:  "step:" + StepReviewerCode,
			MirrorTarget: s.mirrorTarget(ctx, run),
		})
		return "", err
	}

	if err := s.runs.SetArtifactValidation(ctx, review.ID, ValidationInvalid); err != nil {
		return "", err
	}
	if run.ReviewRounds+1 >= MaxReviewRounds {
		_, err := s.orch.Block(ctx, run.ID, "code review rejected after max rounds", map[string]any{
			"gate":       GateReviewPass,
			"rounds":     run.ReviewRounds + 1,
			"retryPhase": PhaseExecuting,
		}, s.mirrorTarget(ctx, run))
		return "", err
	}
	if err := s.runs.IncrementCounter(ctx, run.ID, "review_rounds"); err != nil {
		return "", err
	}
	return StepImplementer, nil
}

// createPR enqueues the pull-request outbox write. Completion is
// reported back through HandleWriteCompleted.
func (s *Steps) createPR(ctx context.Context, run *Run) (string, error) {
	repo, err := s.projects.GetRepo(ctx, run.RepoID)
	if err != nil {
		return "", err
	}
	task, err := s.projects.GetTask(ctx, run.TaskID)
	if err != nil {
		return "", err
	}
	_, err = s.writes.EnqueueWrite(ctx, outbox.EnqueueParams{
		RunID:        run.ID,
		Kind:         github.KindPullRequest,
		TargetNodeID: repo.NodeID,
		TargetType:   "repository",
		Payload: map[string]any{
			"title": fmt.Sprintf("Run #%d: %s", run.RunNumber, task.Title),
			"head":  run.Branch,
			"base":  run.BaseBranch,
			"body":  fmt.Sprintf("Automated change for task #%d.", task.Number),
		},
		IdempotencyKey: fmt.Sprintf("pr:%s", run.ID),
	})
	if err != nil {
		return "", err
	}
	return StepWaitPRMerge, nil
}

func (s *Steps) cleanup(ctx context.Context, run *Run) (string, error) {
	if err := s.manager.Destroy(ctx, run.ID); err != nil {
		return "", err
	}
	return "", nil
}

// HandleWriteCompleted is wired into the outbox writer; it records the
// created PR on the run.
func (s *Steps) HandleWriteCompleted(ctx context.Context, write *outbox.GithubWrite, result *github.WriteResult) {
	if write.Kind != github.KindPullRequest || result == nil {
		return
	}
	if err := s.runs.SetPullRequest(ctx, write.RunID, result.URL, result.Number, "open"); err != nil {
		s.logger.WithRunID(write.RunID).Error("failed to record pull request", zap.Error(err))
	}
}

// HandlePRMerged reacts to the upstream merge webhook: the run completes,
// and the terminal transition enqueues the cleanup job that tears down
// its worktree.
func (s *Steps) HandlePRMerged(ctx context.Context, runID string) error {
	if err := s.runs.SetPRState(ctx, runID, "merged"); err != nil {
		return err
	}
	_, err := s.orch.TransitionPhase(ctx, TransitionParams{
		RunID:       runID,
		ToPhase:     PhaseCompleted,
		TriggeredBy: "webhook:pr_merged",
	})
	return err
}

// invokeAgent resolves credentials and runs one tool loop with the
// step's agent role and timeout.
func (s *Steps) invokeAgent(ctx context.Context, run *Run, role, systemPrompt, userPrompt string) (*agent.LoopResult, error) {
	if s.credentials != nil {
		if _, err := s.credentials.ResolveAI(); err != nil {
			return nil, err
		}
	}

	var timeout time.Duration
	switch role {
	case agent.AgentPlanner:
		timeout = s.agents.PlannerTimeoutDuration()
	case agent.AgentReviewer:
		timeout = s.agents.ReviewerTimeoutDuration()
	case agent.AgentImplementer:
		timeout = s.agents.ImplementerTimeoutDuration()
	}

	worktreePath := ""
	if wt, err := s.manager.Store().GetByRunID(ctx, run.ID); err == nil && wt != nil {
		worktreePath = wt.Path
	}

	return s.loop.Run(ctx, agent.LoopParams{
		RunID:        run.ID,
		ProjectID:    run.ProjectID,
		Agent:        role,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		WorktreePath: worktreePath,
		TimeoutMs:    timeout.Milliseconds(),
	})
}

// handleAgentError blocks the run on configuration and provider
// failures, but lets cancellation propagate to the worker.
func (s *Steps) handleAgentError(ctx context.Context, run *Run, role string, agentErr error) error {
	if agent.IsKind(agentErr, agent.ErrKindCancelled) {
		return agentErr
	}
	reason := fmt.Sprintf("%s agent failed", role)
	if errors.Is(agentErr, agent.ErrNotConfigured) {
		reason = "api key not configured"
	}
	_, err := s.orch.Block(ctx, run.ID, reason, map[string]any{
		"agent":      role,
		"error":      agentErr.Error(),
		"retryPhase": run.Phase,
	}, s.mirrorTarget(ctx, run))
	return err
}

// mirrorTarget resolves the upstream node comments land on. Best effort;
// an empty target skips mirroring.
func (s *Steps) mirrorTarget(ctx context.Context, run *Run) string {
	task, err := s.projects.GetTask(ctx, run.TaskID)
	if err != nil {
		return ""
	}
	return task.NodeID
}

// parseVerdict extracts an approve/reject signal from agent output. A
// JSON {"verdict": "approve"} wins; otherwise a leading APPROVE line.
func parseVerdict(content string) bool {
	var v struct {
		Verdict string `json:"verdict"`
	}
	trimmed := strings.TrimSpace(content)
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			if err := json.Unmarshal([]byte(trimmed[start:end+1]), &v); err == nil && v.Verdict != "" {
				return strings.EqualFold(v.Verdict, "approve")
			}
		}
	}
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return strings.HasPrefix(strings.ToUpper(line), "APPROVE")
	}
	return false
}

const plannerSystemPrompt = `You are the planning agent for an automated code-change run.
Produce a concrete, step-by-step implementation plan for the task.
List the files you expect to touch and the tests that prove the change.`

const planReviewSystemPrompt = `You are the plan reviewer for an automated code-change run.
Judge whether the plan is specific, complete, and safe to execute.
Respond with a JSON object {"verdict": "approve"} or {"verdict": "revise", "reason": "..."}.`

const implementerSystemPrompt = `You are the implementation agent for an automated code-change run.
Apply the approved plan inside the worktree using the available tools.
Keep changes minimal and within the plan's scope.`

const codeReviewSystemPrompt = `You are the code reviewer for an automated code-change run.
Judge whether the implemented change matches the plan and the tests pass.
Respond with a JSON object {"verdict": "approve"} or {"verdict": "revise", "reason": "..."}.`
