// Package publish implements the apply planner's change publisher (C8):
// it ensures a fresh head branch on the manifest store, reads and
// writes files through it idempotently, and opens or updates the pull
// request that proposes the selected plan.
//
// The HTTP shape (fixed-timeout *http.Client, hand-built request,
// JSON-decode into an anonymous envelope) follows
// internal/telemetry.Gateway, generalized here to add a bearer
// Authorization header and non-GET verbs the telemetry gateway never
// needs.
package publish

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/khzaw/rangoonpulse/internal/config"
	"github.com/khzaw/rangoonpulse/internal/manifest"
	"github.com/khzaw/rangoonpulse/internal/plan"
	"github.com/khzaw/rangoonpulse/pkg/types"
)

const defaultAPIBase = "https://api.github.com"

// Client talks to the manifest store's REST surface (a GitHub-compatible
// repository API) over a bearer token.
type Client struct {
	httpClient *http.Client
	apiBase    string
	token      string
	owner      string
	repo       string
}

// New builds a Client for "owner/repo", authenticating with token.
func New(ownerRepo, token string) *Client {
	owner, repo, _ := strings.Cut(ownerRepo, "/")
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		apiBase:    defaultAPIBase,
		token:      token,
		owner:      owner,
		repo:       repo,
	}
}

// newForTest builds a Client pointed at a test server instead of the
// real API host.
func newForTest(apiBase, ownerRepo, token string) *Client {
	c := New(ownerRepo, token)
	c.apiBase = apiBase
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("publish: marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reader)
	if err != nil {
		return nil, fmt.Errorf("publish: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

type refResponse struct {
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

// refSHA fetches the commit SHA a ref currently points at. ok is false if
// the ref does not exist (404) or the call otherwise failed.
func (c *Client) refSHA(ctx context.Context, branch string) (sha string, ok bool, err error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", c.owner, c.repo, branch), nil)
	if err != nil {
		return "", false, fmt.Errorf("publish: fetch ref %s: %w", branch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("publish: fetch ref %s: status %d", branch, resp.StatusCode)
	}
	var r refResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", false, fmt.Errorf("publish: decode ref %s: %w", branch, err)
	}
	return r.Object.SHA, true, nil
}

// EnsureBranch makes sure head exists and points at base's current SHA.
// If head already exists it is force-reset to base (every run starts
// clean from the current base); if absent it is created from base.
func (c *Client) EnsureBranch(ctx context.Context, base, head string) error {
	baseSHA, ok, err := c.refSHA(ctx, base)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("publish: base branch %s not found", base)
	}

	_, headExists, err := c.refSHA(ctx, head)
	if err != nil {
		return err
	}

	if headExists {
		resp, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", c.owner, c.repo, head),
			map[string]any{"sha": baseSHA, "force": true})
		if err != nil {
			return fmt.Errorf("publish: reset head %s: %w", head, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("publish: reset head %s: status %d", head, resp.StatusCode)
		}
		klog.V(2).InfoS("Reset existing head branch to base", "head", head, "base", base)
		return nil
	}

	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/git/refs", c.owner, c.repo),
		map[string]any{"ref": "refs/heads/" + head, "sha": baseSHA})
	if err != nil {
		return fmt.Errorf("publish: create head %s: %w", head, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("publish: create head %s: status %d", head, resp.StatusCode)
	}
	klog.V(2).InfoS("Created head branch", "head", head, "base", base)
	return nil
}

type contentResponse struct {
	Content string `json:"content"`
	SHA     string `json:"sha"`
}

// ReadFile reads path at branch, base64-decoding the content. found is
// false if the file does not exist on that branch.
func (c *Client) ReadFile(ctx context.Context, branch, path string) (content, sha string, found bool, err error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s", c.owner, c.repo, path, branch), nil)
	if err != nil {
		return "", "", false, fmt.Errorf("publish: read %s@%s: %w", path, branch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", false, fmt.Errorf("publish: read %s@%s: status %d", path, branch, resp.StatusCode)
	}
	var cr contentResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", "", false, fmt.Errorf("publish: decode %s@%s: %w", path, branch, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(cr.Content, "\n", ""))
	if err != nil {
		return "", "", false, fmt.Errorf("publish: base64-decode %s@%s: %w", path, branch, err)
	}
	return string(decoded), cr.SHA, true, nil
}

// UpdateFile writes content to path on branch. It is idempotent: if the
// file already exists with identical content, no write is made and
// changed is false.
func (c *Client) UpdateFile(ctx context.Context, branch, path, content, message string) (changed bool, err error) {
	existing, sha, found, err := c.ReadFile(ctx, branch, path)
	if err != nil {
		return false, err
	}
	if found && existing == content {
		klog.V(3).InfoS("File content unchanged, skipping write", "path", path, "branch", branch)
		return false, nil
	}

	body := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
		"branch":  branch,
	}
	if found {
		body["sha"] = sha
	}

	resp, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/%s/contents/%s", c.owner, c.repo, path), body)
	if err != nil {
		return false, fmt.Errorf("publish: write %s@%s: %w", path, branch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return false, fmt.Errorf("publish: write %s@%s: status %d", path, branch, resp.StatusCode)
	}
	klog.V(2).InfoS("Wrote manifest file", "path", path, "branch", branch)
	return true, nil
}

type pullRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// EnsurePullRequest looks up an open PR from head into base; if one
// exists its title/body are updated, else a new PR is created. It
// returns the PR number and whether it was newly created.
func (c *Client) EnsurePullRequest(ctx context.Context, base, head, title, body string) (number int, created bool, err error) {
	listPath := fmt.Sprintf("/repos/%s/%s/pulls?state=open&base=%s&head=%s:%s", c.owner, c.repo, base, c.owner, head)
	resp, err := c.do(ctx, http.MethodGet, listPath, nil)
	if err != nil {
		return 0, false, fmt.Errorf("publish: list pulls: %w", err)
	}
	var existing []pullRequest
	decodeErr := json.NewDecoder(resp.Body).Decode(&existing)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, false, fmt.Errorf("publish: list pulls: status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return 0, false, fmt.Errorf("publish: decode pulls list: %w", decodeErr)
	}

	if len(existing) > 0 {
		pr := existing[0]
		updateResp, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/%s/pulls/%d", c.owner, c.repo, pr.Number),
			map[string]any{"title": title, "body": body})
		if err != nil {
			return 0, false, fmt.Errorf("publish: update pull %d: %w", pr.Number, err)
		}
		defer updateResp.Body.Close()
		if updateResp.StatusCode != http.StatusOK {
			return 0, false, fmt.Errorf("publish: update pull %d: status %d", pr.Number, updateResp.StatusCode)
		}
		klog.V(2).InfoS("Updated existing pull request", "number", pr.Number)
		return pr.Number, false, nil
	}

	createResp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/pulls", c.owner, c.repo),
		map[string]any{"title": title, "body": body, "head": head, "base": base})
	if err != nil {
		return 0, false, fmt.Errorf("publish: create pull: %w", err)
	}
	defer createResp.Body.Close()
	if createResp.StatusCode != http.StatusCreated {
		return 0, false, fmt.Errorf("publish: create pull: status %d", createResp.StatusCode)
	}
	var createdPR pullRequest
	if err := json.NewDecoder(createResp.Body).Decode(&createdPR); err != nil {
		return 0, false, fmt.Errorf("publish: decode created pull: %w", err)
	}
	klog.V(2).InfoS("Opened new pull request", "number", createdPR.Number)
	return createdPR.Number, true, nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// BranchName builds the apply-run head branch name:
// "<prefix>/<release>-<action-slug>-<utc-timestamp-with-microseconds>",
// truncated to 120 chars. A uuid segment is appended ahead of truncation
// to back the "practically unique" guarantee against same-microsecond
// collisions across concurrent runs.
func BranchName(prefix, release, actionSlug string, now time.Time) string {
	ts := now.UTC().Format("20060102T150405.000000")
	ts = strings.ReplaceAll(ts, ".", "")
	unique := uuid.NewString()[:8]
	name := fmt.Sprintf("%s/%s-%s-%s-%s", prefix, slug(release), actionSlug, ts, unique)
	if len(name) > 120 {
		name = name[:120]
	}
	return name
}

func slug(s string) string {
	s = strings.ToLower(s)
	s = nonSlug.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Run executes the C8 per-run sequence against plan's selected items: it
// ensures a fresh head branch, groups selected items by target manifest
// file, patches and writes each file through C7, then opens or updates
// the pull request. A missing token logs and returns nil, per §7's
// authorization error handling — reporting must still complete even when
// apply-pr mode cannot reach the manifest store.
func Run(ctx context.Context, cfg *config.Config, p types.Plan) error {
	if cfg.GitHubToken == "" {
		klog.InfoS("No GitHub token configured, skipping apply-pr publish")
		return nil
	}
	if len(p.Selected) == 0 {
		klog.InfoS("No selected plan items, nothing to publish")
		return nil
	}

	client := New(cfg.GitHubRepository, cfg.GitHubToken)

	head := cfg.GitHubApplyHeadBranch
	if head == "" {
		primary := p.Selected[0]
		head = BranchName("tune", primary.Recommendation.Target.Release, plan.BranchSlug(primary), timeNow())
	}

	if err := client.EnsureBranch(ctx, cfg.GitHubBaseBranch, head); err != nil {
		return fmt.Errorf("publish: ensure branch: %w", err)
	}

	for _, path := range sortedPaths(p.Selected) {
		items := itemsForPath(p.Selected, path)
		content, _, found, err := client.ReadFile(ctx, head, path)
		if err != nil {
			klog.ErrorS(err, "Failed to read manifest file, skipping", "path", path)
			continue
		}
		if !found {
			klog.InfoS("Manifest file not found on branch, skipping", "path", path, "branch", head)
			continue
		}

		changedAny := false
		for _, item := range items {
			u := manifest.Update{
				ContainerName: item.Recommendation.Target.ContainerName,
				ReqCPUMilli:   item.Recommendation.TargetReq.CPUMilli,
				ReqMemMi:      item.Recommendation.TargetReq.MemMi,
				LimCPUMilli:   item.Recommendation.TargetLim.CPUMilli,
				LimMemMi:      item.Recommendation.TargetLim.MemMi,
			}
			newContent, changed, reason := manifest.Patch(content, u)
			content = newContent
			if changed {
				changedAny = true
			}
			klog.V(2).InfoS("Patched container resources", "path", path, "container", u.ContainerName, "reason", reason)
		}

		if changedAny {
			message := fmt.Sprintf("tune: update resources in %s", path)
			if _, err := client.UpdateFile(ctx, head, path, content, message); err != nil {
				klog.ErrorS(err, "Failed to write manifest file", "path", path)
			}
		}
	}

	title := BuildPRTitle(p)
	body := BuildPRBody(p)
	number, created, err := client.EnsurePullRequest(ctx, cfg.GitHubBaseBranch, head, title, body)
	if err != nil {
		return fmt.Errorf("publish: ensure pull request: %w", err)
	}
	klog.InfoS("Pull request ready", "number", number, "created", created)
	return nil
}

// timeNow exists so tests can override branch-name timestamping without
// reaching for a disallowed time.Now() in a deterministic unit test.
var timeNow = time.Now

func sortedPaths(items []types.PlanItem) []string {
	seen := map[string]bool{}
	var paths []string
	for _, item := range items {
		if !seen[item.Path] {
			seen[item.Path] = true
			paths = append(paths, item.Path)
		}
	}
	sort.Strings(paths)
	return paths
}

func itemsForPath(items []types.PlanItem, path string) []types.PlanItem {
	var out []types.PlanItem
	for _, item := range items {
		if item.Path == path {
			out = append(out, item)
		}
	}
	return out
}

// BuildPRTitle renders "tune/<release>: <action description>", suffixed
// with "(+N more)" when more than one item was selected.
func BuildPRTitle(p types.Plan) string {
	if len(p.Selected) == 0 {
		return "tune: no changes"
	}
	primary := p.Selected[0]
	title := fmt.Sprintf("tune/%s: %s", primary.Recommendation.Target.Release, plan.ActionDescription(primary))
	if len(p.Selected) > 1 {
		title = fmt.Sprintf("%s (+%d more)", title, len(p.Selected)-1)
	}
	return title
}

// BuildPRBody renders the pull request body: selected changes (top 20),
// the skip-reason histogram, a per-node fit table, and tradeoff
// suggestions for each blocked upsize.
func BuildPRBody(p types.Plan) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Selected changes (%d)\n\n", len(p.Selected))
	fmt.Fprintf(&b, "| Release | Container | Action | Reason |\n")
	fmt.Fprintf(&b, "|---|---|---|---|\n")
	shown := p.Selected
	if len(shown) > 20 {
		shown = shown[:20]
	}
	for _, item := range shown {
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
			item.Recommendation.Target.Release,
			item.Recommendation.Target.ContainerName,
			plan.ActionDescription(item),
			item.Reason,
		)
	}
	if len(p.Selected) > 20 {
		fmt.Fprintf(&b, "\n_(%d more not shown)_\n", len(p.Selected)-20)
	}

	if len(p.SkipReasonHistogram) > 0 {
		fmt.Fprintf(&b, "\n## Skipped (%d)\n\n", len(p.Skipped))
		fmt.Fprintf(&b, "| Reason | Count |\n|---|---|\n")
		for _, h := range p.SkipReasonHistogram {
			fmt.Fprintf(&b, "| %s | %d |\n", h.Reason, h.Count)
		}
	}

	if len(p.Nodes) > 0 {
		fmt.Fprintf(&b, "\n## Per-node fit\n\n")
		fmt.Fprintf(&b, "| Node | Budget CPU (m) | Projected CPU (m) | Budget Mem (Mi) | Projected Mem (Mi) |\n")
		fmt.Fprintf(&b, "|---|---|---|---|---|\n")
		for _, n := range p.Nodes {
			fmt.Fprintf(&b, "| %s | %.0f | %.0f | %.0f | %.0f |\n",
				n.Node, n.BudgetCPUM, n.ProjectedCPUM, n.BudgetMemMi, n.ProjectedMemMi)
		}
	}

	var blocked []types.PlanItem
	for _, item := range p.Skipped {
		if item.Reason == types.ReasonBudgetOrNodeFitBlock && len(item.Suggestions) > 0 {
			blocked = append(blocked, item)
		}
	}
	if len(blocked) > 0 {
		fmt.Fprintf(&b, "\n## Tradeoff suggestions for blocked upsizes\n\n")
		for _, item := range blocked {
			fmt.Fprintf(&b, "- **%s/%s** blocked (cluster overshoot CPU=%.0fm mem=%.0fMi). Candidates:\n",
				item.Recommendation.Target.Release, item.Recommendation.Target.ContainerName,
				item.Over.ClusterCPU, item.Over.ClusterMem)
			for _, s := range item.Suggestions {
				fmt.Fprintf(&b, "  - %s/%s\n", s.Recommendation.Target.Release, s.Recommendation.Target.ContainerName)
			}
		}
	}

	return b.String()
}
