// Package notify delivers governance findings to the external ticketing
// system. Delivery is best effort: a failed ticket never fails the
// transaction that produced the finding.
package notify

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/unifiedcmdb/cmdb-core/internal/config"
)

// Notifier raises tickets for governance findings.
type Notifier interface {
	CreateIssue(summary string, details map[string]any) map[string]any
}

// JiraClient posts Task issues to the Jira REST API.
type JiraClient struct {
	cfg    *config.Settings
	client *http.Client
	logger *log.Logger
}

// NewJiraClient builds a client from settings. When Jira is disabled the
// client still works and reports every issue as skipped.
func NewJiraClient(cfg *config.Settings) *JiraClient {
	return &JiraClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.New(log.Writer(), "[JIRA] ", log.LstdFlags),
	}
}

// CreateIssue opens one Task in the configured project. The returned map
// mirrors the upstream response on success and carries status/reason fields
// on skip or failure.
func (j *JiraClient) CreateIssue(summary string, details map[string]any) map[string]any {
	if !j.cfg.JiraEnabled || j.cfg.JiraBaseURL == "" {
		j.logger.Printf("Jira disabled; skipped issue: %s", summary)
		return map[string]any{"status": "skipped", "reason": "jira_disabled", "summary": summary}
	}

	description, err := json.Marshal(details)
	if err != nil {
		description = []byte(fmt.Sprintf("%v", details))
	}
	payload := map[string]any{
		"fields": map[string]any{
			"project":     map[string]any{"key": j.cfg.JiraProjectKey},
			"summary":     summary,
			"description": string(description),
			"issuetype":   map[string]any{"name": "Task"},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return map[string]any{"status": "failed", "reason": "jira_request_failed"}
	}

	url := strings.TrimRight(j.cfg.JiraBaseURL, "/") + "/rest/api/2/issue"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return map[string]any{"status": "failed", "reason": "jira_request_failed"}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	switch {
	case j.cfg.JiraEmail != "" && j.cfg.JiraAPIToken != "":
		credentials := j.cfg.JiraEmail + ":" + j.cfg.JiraAPIToken
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(credentials)))
	case j.cfg.JiraToken != "":
		req.Header.Set("Authorization", "Bearer "+j.cfg.JiraToken)
	}

	resp, err := j.client.Do(req)
	if err != nil {
		j.logger.Printf("Jira issue request failed: %v (summary=%s)", err, summary)
		return map[string]any{"status": "failed", "reason": "jira_request_failed"}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		j.logger.Printf("Jira issue rejected: status=%d summary=%s", resp.StatusCode, summary)
		return map[string]any{"status": "failed", "reason": "jira_rejected", "status_code": resp.StatusCode}
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return map[string]any{"status": "failed", "reason": "jira_request_failed"}
	}
	return out
}

// RecordingNotifier captures issues in memory; used by tests.
type RecordingNotifier struct {
	Issues []RecordedIssue
}

// RecordedIssue is one captured ticket.
type RecordedIssue struct {
	Summary string
	Details map[string]any
}

// CreateIssue records the issue and reports success.
func (r *RecordingNotifier) CreateIssue(summary string, details map[string]any) map[string]any {
	r.Issues = append(r.Issues, RecordedIssue{Summary: summary, Details: details})
	return map[string]any{"status": "recorded"}
}
