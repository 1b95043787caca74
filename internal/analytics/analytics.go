// Package analytics computes read-only run metrics, always scoped to a
// user through project ownership.
package analytics

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
)

// Summary is the full analytics rollup for one user.
type Summary struct {
	TotalRuns              int                `json:"totalRuns"`
	CompletedRuns          int                `json:"completedRuns"`
	CancelledRuns          int                `json:"cancelledRuns"`
	SuccessRate            float64            `json:"successRate"`
	AvgCycleTimeSeconds    float64            `json:"avgCycleTimeSeconds"`
	AvgPlanApprovalSeconds float64            `json:"avgPlanApprovalSeconds"`
	RunsByPhase            map[string]int     `json:"runsByPhase"`
	TopProjects            []ProjectRunCount  `json:"topProjects"`
	CompletionsLast7Days   []DailyCompletions `json:"completionsLast7Days"`
}

// ProjectRunCount is one row of the top-projects leaderboard.
type ProjectRunCount struct {
	ProjectID   string `db:"project_id" json:"projectId"`
	ProjectName string `db:"project_name" json:"projectName"`
	RunCount    int    `db:"run_count" json:"runCount"`
}

// DailyCompletions is one bucket of the completion histogram.
type DailyCompletions struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Service computes analytics.
type Service struct {
	db *sqlx.DB
}

// NewService creates an analytics service.
func NewService(conn *sqlx.DB) *Service {
	return &Service{db: conn}
}

// UserIDs lists every user with at least one project, for callers that
// roll up metrics across the instance.
func (s *Service) UserIDs(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out,
		`SELECT DISTINCT user_id FROM projects ORDER BY user_id`)
	return out, err
}

// Summarize computes the full rollup for a user.
func (s *Service) Summarize(ctx context.Context, userID string) (*Summary, error) {
	out := &Summary{RunsByPhase: map[string]int{}}

	type phaseCount struct {
		Phase string `db:"phase"`
		Count int    `db:"count"`
	}
	var phases []phaseCount
	err := s.db.SelectContext(ctx, &phases, s.db.Rebind(`
		SELECT r.phase AS phase, COUNT(*) AS count
		FROM runs r JOIN projects p ON p.id = r.project_id
		WHERE p.user_id = ?
		GROUP BY r.phase`), userID)
	if err != nil {
		return nil, err
	}
	for _, pc := range phases {
		out.RunsByPhase[pc.Phase] = pc.Count
		out.TotalRuns += pc.Count
		switch pc.Phase {
		case "completed":
			out.CompletedRuns = pc.Count
		case "cancelled":
			out.CancelledRuns = pc.Count
		}
	}
	if terminal := out.CompletedRuns + out.CancelledRuns; terminal > 0 {
		out.SuccessRate = float64(out.CompletedRuns) / float64(terminal)
	}

	if out.CompletedRuns > 0 {
		cycle, err := s.avgCycleSeconds(ctx, userID)
		if err != nil {
			return nil, err
		}
		out.AvgCycleTimeSeconds = cycle
	}

	approval, err := s.avgPlanApprovalSeconds(ctx, userID)
	if err != nil {
		return nil, err
	}
	out.AvgPlanApprovalSeconds = approval

	if out.TopProjects, err = s.topProjects(ctx, userID, 5); err != nil {
		return nil, err
	}
	if out.CompletionsLast7Days, err = s.completionHistogram(ctx, userID, 7); err != nil {
		return nil, err
	}
	return out, nil
}

// avgCycleSeconds averages created-to-completed time across completed
// runs. Durations are computed in Go; timestamp arithmetic differs
// between the SQL dialects.
func (s *Service) avgCycleSeconds(ctx context.Context, userID string) (float64, error) {
	type span struct {
		CreatedAt   time.Time `db:"created_at"`
		CompletedAt time.Time `db:"completed_at"`
	}
	var spans []span
	err := s.db.SelectContext(ctx, &spans, s.db.Rebind(`
		SELECT r.created_at, r.completed_at
		FROM runs r JOIN projects p ON p.id = r.project_id
		WHERE p.user_id = ? AND r.phase = 'completed' AND r.completed_at IS NOT NULL`),
		userID)
	if err != nil || len(spans) == 0 {
		return 0, err
	}
	var total float64
	for _, sp := range spans {
		total += sp.CompletedAt.Sub(sp.CreatedAt).Seconds()
	}
	return total / float64(len(spans)), nil
}

type transitionRow struct {
	RunID     string    `db:"run_id"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

// avgPlanApprovalSeconds pairs each run's entry into
// awaiting_plan_approval with its exit and averages the dwell time.
// Runs still waiting contribute nothing.
func (s *Service) avgPlanApprovalSeconds(ctx context.Context, userID string) (float64, error) {
	var rows []transitionRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT e.run_id, e.payload, e.created_at
		FROM events e
		JOIN runs r ON r.id = e.run_id
		JOIN projects p ON p.id = r.project_id
		WHERE p.user_id = ? AND e.type = 'phase.transitioned'
		ORDER BY e.run_id, e.sequence ASC`), userID)
	if err != nil {
		return 0, err
	}

	type edge struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	var total float64
	var pairs int
	entries := map[string]time.Time{}
	for _, row := range rows {
		var e edge
		if err := json.Unmarshal([]byte(row.Payload), &e); err != nil {
			continue
		}
		if e.To == "awaiting_plan_approval" {
			entries[row.RunID] = row.CreatedAt
			continue
		}
		if e.From == "awaiting_plan_approval" {
			if enteredAt, ok := entries[row.RunID]; ok {
				total += row.CreatedAt.Sub(enteredAt).Seconds()
				pairs++
				delete(entries, row.RunID)
			}
		}
	}
	if pairs == 0 {
		return 0, nil
	}
	return total / float64(pairs), nil
}

func (s *Service) topProjects(ctx context.Context, userID string, limit int) ([]ProjectRunCount, error) {
	var out []ProjectRunCount
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT p.id AS project_id, p.name AS project_name, COUNT(r.id) AS run_count
		FROM projects p
		JOIN runs r ON r.project_id = p.id
		WHERE p.user_id = ?
		GROUP BY p.id, p.name
		ORDER BY run_count DESC, p.name ASC
		LIMIT ?`), userID, limit)
	return out, err
}

// completionHistogram buckets completed runs per calendar day (UTC) for
// the trailing window, including empty days.
func (s *Service) completionHistogram(ctx context.Context, userID string, days int) ([]DailyCompletions, error) {
	since := time.Now().UTC().AddDate(0, 0, -(days - 1)).Truncate(24 * time.Hour)
	var completions []time.Time
	err := s.db.SelectContext(ctx, &completions, s.db.Rebind(`
		SELECT r.completed_at
		FROM runs r JOIN projects p ON p.id = r.project_id
		WHERE p.user_id = ? AND r.phase = 'completed' AND r.completed_at >= ?`),
		userID, since)
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	for _, at := range completions {
		counts[at.UTC().Format("2006-01-02")]++
	}
	out := make([]DailyCompletions, 0, days)
	for i := 0; i < days; i++ {
		day := since.AddDate(0, 0, i).Format("2006-01-02")
		out = append(out, DailyCompletions{Date: day, Count: counts[day]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}
