package events

import (
	"fmt"
)

// WebhookInput is the canonical record for an upstream webhook delivery.
type WebhookInput struct {
	DeliveryID string
	EventType  string
	Action     string
	Body       map[string]any
}

// Normalized is the canonical event derived from a webhook delivery.
type Normalized struct {
	EventType      string
	Class          string
	IdempotencyKey string
	Payload        map[string]any
	RepoNodeID     string
	IssueNodeID    string
	PRNodeID       string
}

// NormalizeWebhook maps an upstream delivery into a canonical event.
// Unknown event types or actions return handled=false and are skipped,
// never errored.
func NormalizeWebhook(in WebhookInput) (Normalized, bool) {
	switch in.EventType {
	case "issues":
		return normalizeIssue(in)
	case "issue_comment":
		return normalizeIssueComment(in)
	case "pull_request":
		return normalizePullRequest(in)
	case "pull_request_review":
		return normalizePullRequestReview(in)
	case "push":
		return normalizePush(in)
	case "check_run":
		return normalizeCheckRun(in)
	case "installation":
		return normalizeInstallation(in)
	case "installation_repositories":
		return normalizeInstallationRepos(in)
	default:
		return Normalized{}, false
	}
}

func getMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	child, _ := m[key].(map[string]any)
	return child
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func getNumber(m map[string]any, key string) int64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

func getBool(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

func repoNodeID(body map[string]any) string {
	return getString(getMap(body, "repository"), "node_id")
}

func normalizeIssue(in WebhookInput) (Normalized, bool) {
	switch in.Action {
	case "opened", "closed", "reopened", "edited", "labeled", "unlabeled":
	default:
		return Normalized{}, false
	}
	issue := getMap(in.Body, "issue")
	if issue == nil {
		return Normalized{}, false
	}
	nodeID := getString(issue, "node_id")
	return Normalized{
		EventType:      "issue." + in.Action,
		Class:          ClassSignal,
		IdempotencyKey: fmt.Sprintf("webhook:%s:issue:%s:%s", in.DeliveryID, nodeID, in.Action),
		Payload: map[string]any{
			"action": in.Action,
			"number": getNumber(issue, "number"),
			"title":  getString(issue, "title"),
			"body":   getString(issue, "body"),
			"state":  getString(issue, "state"),
			"nodeId": nodeID,
		},
		RepoNodeID:  repoNodeID(in.Body),
		IssueNodeID: nodeID,
	}, true
}

func normalizeIssueComment(in WebhookInput) (Normalized, bool) {
	if in.Action != "created" {
		return Normalized{}, false
	}
	comment := getMap(in.Body, "comment")
	issue := getMap(in.Body, "issue")
	if comment == nil || issue == nil {
		return Normalized{}, false
	}
	commentID := getNumber(comment, "id")
	return Normalized{
		EventType:      "issue.comment_created",
		Class:          ClassSignal,
		IdempotencyKey: fmt.Sprintf("webhook:%s:comment:%d", in.DeliveryID, commentID),
		Payload: map[string]any{
			"commentId": commentID,
			"body":      getString(comment, "body"),
			"author":    getString(getMap(comment, "user"), "login"),
		},
		RepoNodeID:  repoNodeID(in.Body),
		IssueNodeID: getString(issue, "node_id"),
	}, true
}

func normalizePullRequest(in WebhookInput) (Normalized, bool) {
	switch in.Action {
	case "opened", "closed", "edited":
	default:
		return Normalized{}, false
	}
	pr := getMap(in.Body, "pull_request")
	if pr == nil {
		return Normalized{}, false
	}
	nodeID := getString(pr, "node_id")
	eventType := "pr." + in.Action
	payload := map[string]any{
		"action": in.Action,
		"number": getNumber(pr, "number"),
		"state":  getString(pr, "state"),
		"nodeId": nodeID,
	}
	if in.Action == "closed" {
		payload["merged"] = getBool(pr, "merged")
		if getBool(pr, "merged") {
			eventType = "pr.merged"
		}
	}
	return Normalized{
		EventType:      eventType,
		Class:          ClassSignal,
		IdempotencyKey: fmt.Sprintf("webhook:%s:pr:%s:%s", in.DeliveryID, nodeID, in.Action),
		Payload:        payload,
		RepoNodeID:     repoNodeID(in.Body),
		PRNodeID:       nodeID,
	}, true
}

func normalizePullRequestReview(in WebhookInput) (Normalized, bool) {
	if in.Action != "submitted" {
		return Normalized{}, false
	}
	review := getMap(in.Body, "review")
	pr := getMap(in.Body, "pull_request")
	if review == nil || pr == nil {
		return Normalized{}, false
	}
	reviewID := getNumber(review, "id")
	return Normalized{
		EventType:      "pr.review_submitted",
		Class:          ClassSignal,
		IdempotencyKey: fmt.Sprintf("webhook:%s:review:%d", in.DeliveryID, reviewID),
		Payload: map[string]any{
			"reviewId": reviewID,
			"state":    getString(review, "state"),
			"body":     getString(review, "body"),
		},
		RepoNodeID: repoNodeID(in.Body),
		PRNodeID:   getString(pr, "node_id"),
	}, true
}

func normalizePush(in WebhookInput) (Normalized, bool) {
	ref := getString(in.Body, "ref")
	after := getString(in.Body, "after")
	if ref == "" || after == "" {
		return Normalized{}, false
	}
	return Normalized{
		EventType:      "repo.push",
		Class:          ClassSignal,
		IdempotencyKey: fmt.Sprintf("webhook:%s:push:%s", in.DeliveryID, after),
		Payload: map[string]any{
			"ref":   ref,
			"after": after,
		},
		RepoNodeID: repoNodeID(in.Body),
	}, true
}

func normalizeCheckRun(in WebhookInput) (Normalized, bool) {
	if in.Action != "completed" {
		return Normalized{}, false
	}
	checkRun := getMap(in.Body, "check_run")
	if checkRun == nil {
		return Normalized{}, false
	}
	checkID := getNumber(checkRun, "id")
	return Normalized{
		EventType:      "check.completed",
		Class:          ClassSignal,
		IdempotencyKey: fmt.Sprintf("webhook:%s:check:%d", in.DeliveryID, checkID),
		Payload: map[string]any{
			"checkId":    checkID,
			"name":       getString(checkRun, "name"),
			"conclusion": getString(checkRun, "conclusion"),
		},
		RepoNodeID: repoNodeID(in.Body),
	}, true
}

func normalizeInstallation(in WebhookInput) (Normalized, bool) {
	switch in.Action {
	case "created", "deleted":
	default:
		return Normalized{}, false
	}
	installation := getMap(in.Body, "installation")
	if installation == nil {
		return Normalized{}, false
	}
	installID := getNumber(installation, "id")
	return Normalized{
		EventType:      "installation." + in.Action,
		Class:          ClassFact,
		IdempotencyKey: fmt.Sprintf("webhook:%s:installation:%d:%s", in.DeliveryID, installID, in.Action),
		Payload: map[string]any{
			"installationId": installID,
			"action":         in.Action,
		},
	}, true
}

func normalizeInstallationRepos(in WebhookInput) (Normalized, bool) {
	switch in.Action {
	case "added", "removed":
	default:
		return Normalized{}, false
	}
	installation := getMap(in.Body, "installation")
	if installation == nil {
		return Normalized{}, false
	}
	installID := getNumber(installation, "id")
	return Normalized{
		EventType:      "installation.repositories_" + in.Action,
		Class:          ClassFact,
		IdempotencyKey: fmt.Sprintf("webhook:%s:installation_repos:%d:%s", in.DeliveryID, installID, in.Action),
		Payload: map[string]any{
			"installationId": installID,
			"action":         in.Action,
		},
	}, true
}
