package sync

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/wesm/ado-sprint-digest/internal/api"
	"github.com/wesm/ado-sprint-digest/internal/models"
)

// Link classification
const (
	relHierarchyForward = "System.LinkTypes.Hierarchy-Forward"
	relArtifactLink     = "ArtifactLink"
	attrChild           = "Child"
	attrPullRequest     = "Pull Request"

	pullRequestLinkPrefix = "vstfs:///Git/PullRequestId/"

	threadStatusAbandoned = "abandoned"
	commentTypeText       = "text"
)

// SkipKind names what was skipped
type SkipKind string

const (
	SkipIterationWorkItems SkipKind = "iteration_work_items"
	SkipWorkItem           SkipKind = "work_item"
	SkipRelations          SkipKind = "relations"
	SkipTask               SkipKind = "task"
	SkipPullRequest        SkipKind = "pull_request"
	SkipCapacity           SkipKind = "capacity"
)

// Skip records a child that could not be collected. The run carries on
// without it.
type Skip struct {
	Kind SkipKind
	// Ref identifies the skipped entity: a URL, a link or an id
	Ref string
	Err error
}

func (s Skip) Error() string {
	return fmt.Sprintf("%s %s: %v", s.Kind, s.Ref, s.Err)
}

func (s Skip) Unwrap() error {
	return s.Err
}

// IsTaskLink reports whether a relation points at a child work item
func IsTaskLink(r api.Relation) bool {
	return r.Rel == relHierarchyForward && r.AttributeName() == attrChild
}

// IsPullRequestLink reports whether a relation is a pull request artifact
func IsPullRequestLink(r api.Relation) bool {
	return r.Rel == relArtifactLink && r.AttributeName() == attrPullRequest
}

// ParsePullRequestLink extracts the ids from an artifact URL of the form
// vstfs:///Git/PullRequestId/{projectId}%2F{repositoryId}%2F{pullRequestId}
func ParsePullRequestLink(link string) (projectID, repositoryID, pullRequestID string, err error) {
	if !strings.HasPrefix(link, pullRequestLinkPrefix) {
		return "", "", "", fmt.Errorf("not a pull request artifact link: %s", link)
	}
	decoded, err := url.QueryUnescape(strings.TrimPrefix(link, pullRequestLinkPrefix))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to decode pull request link %s: %w", link, err)
	}

	parts := strings.Split(decoded, "/")
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid pull request link, expected project/repository/id, got '%s'", decoded)
	}
	return parts[0], parts[1], parts[2], nil
}

// FilterThreads keeps live threads and reduces their comments to who
// commented and when. Deleted and abandoned threads are dropped.
func FilterThreads(records []api.ThreadRecord) []models.PullRequestThread {
	var threads []models.PullRequestThread
	for _, rec := range records {
		if rec.IsDeleted || rec.Status == threadStatusAbandoned {
			continue
		}

		thread := models.PullRequestThread{
			ID:        rec.ID.String(),
			Status:    rec.Status,
			IsDeleted: rec.IsDeleted,
		}
		for _, c := range rec.Comments {
			if c.CommentType != commentTypeText {
				continue
			}
			thread.Commenters = thread.Commenters.Add(c.Author.DisplayName, c.PublishedDate)
		}
		threads = append(threads, thread)
	}
	return threads
}

// Resolver attaches tasks and pull requests to work items by walking their links
type Resolver struct {
	client            *api.Client
	log               *zap.Logger
	fetchTasks        bool
	fetchPullRequests bool
}

// NewResolver creates a resolver. Either stage can be switched off.
func NewResolver(client *api.Client, log *zap.Logger, fetchTasks, fetchPullRequests bool) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		client:            client,
		log:               log,
		fetchTasks:        fetchTasks,
		fetchPullRequests: fetchPullRequests,
	}
}

// Enabled reports whether the resolver has anything to do
func (r *Resolver) Enabled() bool {
	return r.fetchTasks || r.fetchPullRequests
}

// Resolve fetches the work item's relations once, then appends every task and
// pull request it can reach. Children that fail are returned as skips.
func (r *Resolver) Resolve(ctx context.Context, wi *models.WorkItem) []Skip {
	if !r.Enabled() {
		return nil
	}

	relations, err := r.client.Relations(ctx, wi.ID)
	if err != nil {
		return []Skip{{Kind: SkipRelations, Ref: strconv.Itoa(wi.ID), Err: err}}
	}

	var skips []Skip
	if r.fetchTasks {
		skips = append(skips, r.attachTasks(ctx, wi, relations)...)
	}
	if r.fetchPullRequests {
		skips = append(skips, r.attachPullRequests(ctx, wi, relations)...)
	}
	return skips
}

func (r *Resolver) attachTasks(ctx context.Context, wi *models.WorkItem, relations []api.Relation) []Skip {
	var skips []Skip
	for _, rel := range relations {
		if !IsTaskLink(rel) {
			continue
		}

		task, ok, err := r.client.Task(ctx, rel.URL)
		if err != nil {
			skips = append(skips, Skip{Kind: SkipTask, Ref: rel.URL, Err: err})
			continue
		}
		if !ok {
			r.log.Debug("Child is not a task", zap.Int("work_item", wi.ID), zap.String("url", rel.URL))
			continue
		}
		wi.Tasks = append(wi.Tasks, task)
	}

	r.log.Debug("Tasks attached", zap.Int("work_item", wi.ID), zap.Int("tasks", len(wi.Tasks)))
	return skips
}

func (r *Resolver) attachPullRequests(ctx context.Context, wi *models.WorkItem, relations []api.Relation) []Skip {
	var skips []Skip
	for _, rel := range relations {
		if !IsPullRequestLink(rel) {
			continue
		}

		pr, err := r.pullRequest(ctx, rel.URL)
		if err != nil {
			skips = append(skips, Skip{Kind: SkipPullRequest, Ref: rel.URL, Err: err})
			continue
		}
		wi.PullRequests = append(wi.PullRequests, *pr)
	}

	r.log.Debug("Pull requests attached", zap.Int("work_item", wi.ID), zap.Int("pull_requests", len(wi.PullRequests)))
	return skips
}

func (r *Resolver) pullRequest(ctx context.Context, link string) (*models.PullRequest, error) {
	projectID, repositoryID, pullRequestID, err := ParsePullRequestLink(link)
	if err != nil {
		return nil, err
	}

	pr, err := r.client.PullRequest(ctx, repositoryID, pullRequestID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get pull request %s", pullRequestID)
	}
	pr.ProjectID = projectID

	records, err := r.client.PullRequestThreads(ctx, repositoryID, pullRequestID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get threads for pull request %s", pullRequestID)
	}
	pr.Threads = FilterThreads(records)

	return pr, nil
}
