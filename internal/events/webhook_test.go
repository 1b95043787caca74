package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeWebhook_IssueOpened(t *testing.T) {
	n, handled := NormalizeWebhook(WebhookInput{
		DeliveryID: "d1",
		EventType:  "issues",
		Action:     "opened",
		Body: map[string]any{
			"repository": map[string]any{"node_id": "R_1"},
			"issue": map[string]any{
				"node_id": "I_1",
				"number":  float64(7),
				"title":   "Widget wobbles",
				"state":   "open",
			},
		},
	})
	require.True(t, handled)
	assert.Equal(t, "issue.opened", n.EventType)
	assert.Equal(t, ClassSignal, n.Class)
	assert.Equal(t, "webhook:d1:issue:I_1:opened", n.IdempotencyKey)
	assert.Equal(t, "R_1", n.RepoNodeID)
	assert.Equal(t, "I_1", n.IssueNodeID)
	assert.Equal(t, int64(7), n.Payload["number"])
}

func TestNormalizeWebhook_PRClosedMergedBecomesMerged(t *testing.T) {
	body := map[string]any{
		"repository": map[string]any{"node_id": "R_1"},
		"pull_request": map[string]any{
			"node_id": "PR_1", "number": float64(3), "state": "closed", "merged": true,
		},
	}
	n, handled := NormalizeWebhook(WebhookInput{
		DeliveryID: "d2", EventType: "pull_request", Action: "closed", Body: body,
	})
	require.True(t, handled)
	assert.Equal(t, "pr.merged", n.EventType)
	assert.Equal(t, true, n.Payload["merged"])
	assert.Equal(t, "PR_1", n.PRNodeID)

	body["pull_request"].(map[string]any)["merged"] = false
	n, handled = NormalizeWebhook(WebhookInput{
		DeliveryID: "d3", EventType: "pull_request", Action: "closed", Body: body,
	})
	require.True(t, handled)
	assert.Equal(t, "pr.closed", n.EventType)
	assert.Equal(t, false, n.Payload["merged"])
}

func TestNormalizeWebhook_CommentKeyUsesCommentID(t *testing.T) {
	n, handled := NormalizeWebhook(WebhookInput{
		DeliveryID: "d4",
		EventType:  "issue_comment",
		Action:     "created",
		Body: map[string]any{
			"repository": map[string]any{"node_id": "R_1"},
			"issue":      map[string]any{"node_id": "I_1"},
			"comment": map[string]any{
				"id":   float64(991),
				"body": "looks good",
				"user": map[string]any{"login": "octocat"},
			},
		},
	})
	require.True(t, handled)
	assert.Equal(t, "webhook:d4:comment:991", n.IdempotencyKey)
	assert.Equal(t, "octocat", n.Payload["author"])
}

func TestNormalizeWebhook_InstallationKey(t *testing.T) {
	n, handled := NormalizeWebhook(WebhookInput{
		DeliveryID: "d5",
		EventType:  "installation",
		Action:     "created",
		Body:       map[string]any{"installation": map[string]any{"id": float64(42)}},
	})
	require.True(t, handled)
	assert.Equal(t, "installation.created", n.EventType)
	assert.Equal(t, ClassFact, n.Class)
	assert.Equal(t, "webhook:d5:installation:42:created", n.IdempotencyKey)
	assert.Empty(t, n.RepoNodeID)
}

func TestNormalizeWebhook_UnknownSkipped(t *testing.T) {
	cases := []WebhookInput{
		{DeliveryID: "d6", EventType: "sponsorship", Action: "created"},
		{DeliveryID: "d7", EventType: "issues", Action: "transferred"},
		{DeliveryID: "d8", EventType: "pull_request", Action: "synchronize"},
		{DeliveryID: "d9", EventType: "issues", Action: "opened", Body: map[string]any{}},
	}
	for _, in := range cases {
		_, handled := NormalizeWebhook(in)
		assert.False(t, handled, "%s/%s should be skipped", in.EventType, in.Action)
	}
}

func TestNormalizeWebhook_Push(t *testing.T) {
	n, handled := NormalizeWebhook(WebhookInput{
		DeliveryID: "d10",
		EventType:  "push",
		Body: map[string]any{
			"repository": map[string]any{"node_id": "R_1"},
			"ref":        "refs/heads/main",
			"after":      "abc123",
		},
	})
	require.True(t, handled)
	assert.Equal(t, "repo.push", n.EventType)
	assert.Equal(t, "webhook:d10:push:abc123", n.IdempotencyKey)
}
