package api

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wesm/ado-sprint-digest/config"
	"github.com/wesm/ado-sprint-digest/internal/calendar"
	"github.com/wesm/ado-sprint-digest/internal/capacity"
	"github.com/wesm/ado-sprint-digest/internal/metrics"
	"github.com/wesm/ado-sprint-digest/internal/models"
)

// Endpoint names used for logging and request counters
const (
	EndpointIterations  = "iterations"
	EndpointTeamDaysOff = "team_days_off"
	EndpointCapacities  = "capacities"
	EndpointWorkItems   = "iteration_work_items"
	EndpointWorkItem    = "work_item"
	EndpointRelations   = "relations"
	EndpointPullRequest = "pull_request"
	EndpointPRThreads   = "pull_request_threads"
)

const (
	notAvailable     = "N/A"
	defaultAssignee  = "Unassigned"
	defaultCreator   = "Unknown"
	workItemTypeTask = "Task"
)

// System fields that are not remappable
const (
	fieldWorkItemType     = "System.WorkItemType"
	fieldState            = "System.State"
	fieldAssignedTo       = "System.AssignedTo"
	fieldCreatedDate      = "System.CreatedDate"
	fieldCreatedBy        = "System.CreatedBy"
	fieldTags             = "System.Tags"
	fieldActivity         = "Microsoft.VSTS.Common.Activity"
	fieldOriginalEstimate = "Microsoft.VSTS.Scheduling.OriginalEstimate"
	fieldRemainingWork    = "Microsoft.VSTS.Scheduling.RemainingWork"
	fieldCompletedWork    = "Microsoft.VSTS.Scheduling.CompletedWork"
)

// Client represents a client for the Azure DevOps REST API. It only reads.
type Client struct {
	getter  Getter
	cfg     *config.Config
	memo    *cache.Cache
	log     *zap.Logger
	metrics *metrics.Recorder
}

// NewClient creates a new Azure DevOps API client. A client remembers every
// successful response for its lifetime, so create one per run.
func NewClient(cfg *config.Config, getter Getter, log *zap.Logger, rec *metrics.Recorder) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{getter: getter, cfg: cfg, log: log, metrics: rec}
	if cfg.CacheResponses {
		c.memo = cache.New(cache.NoExpiration, 0)
	}
	return c
}

// Relation is one link of a work item
type Relation struct {
	Rel        string              `json:"rel"`
	URL        string              `json:"url"`
	Attributes *RelationAttributes `json:"attributes"`
}

// RelationAttributes holds the link attributes the resolver looks at
type RelationAttributes struct {
	Name string `json:"name"`
}

// AttributeName returns attributes.name, or "" when the link has no attributes
func (r Relation) AttributeName() string {
	if r.Attributes == nil {
		return ""
	}
	return r.Attributes.Name
}

// ThreadRecord is a pull request thread as returned by the service
type ThreadRecord struct {
	ID        json.Number     `json:"id"`
	Status    string          `json:"status"`
	IsDeleted bool            `json:"isDeleted"`
	Comments  []CommentRecord `json:"comments"`
}

// CommentRecord is the metadata of one thread comment. Content is never decoded.
type CommentRecord struct {
	CommentType   string `json:"commentType"`
	PublishedDate string `json:"publishedDate"`
	Author        struct {
		DisplayName string `json:"displayName"`
	} `json:"author"`
}

// Iterations lists a team's iterations, keeping only the configured names when
// a name filter is set.
func (c *Client) Iterations(ctx context.Context, team string) ([]models.Iteration, error) {
	u := c.teamURL(team, c.cfg.Paths.Iterations)
	body, err := c.fetch(ctx, EndpointIterations, u)
	if err != nil {
		return nil, err
	}
	if err := requireKeys(body, EndpointIterations, u, "value"); err != nil {
		return nil, err
	}

	var resp struct {
		Value []struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			Attributes *struct {
				StartDate  string `json:"startDate"`
				FinishDate string `json:"finishDate"`
			} `json:"attributes"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ParseError{What: EndpointIterations, URL: u, Err: err}
	}

	var iterations []models.Iteration
	for _, v := range resp.Value {
		itr := models.Iteration{
			Project:    c.cfg.Project,
			Team:       team,
			ID:         lo.Ternary(v.ID == "", notAvailable, v.ID),
			Name:       lo.Ternary(v.Name == "", notAvailable, v.Name),
			StartDate:  notAvailable,
			FinishDate: notAvailable,
		}
		if v.Attributes != nil {
			itr.RawStart = v.Attributes.StartDate
			itr.RawFinish = v.Attributes.FinishDate
			itr.StartDate = c.displayDate(v.Attributes.StartDate, itr.Name)
			itr.FinishDate = c.displayDate(v.Attributes.FinishDate, itr.Name)
		}

		if len(c.cfg.IterationNames) > 0 && !lo.Contains(c.cfg.IterationNames, itr.Name) {
			continue
		}
		iterations = append(iterations, itr)
	}
	return iterations, nil
}

// TeamDaysOff returns the team-wide day-off windows of an iteration
func (c *Client) TeamDaysOff(ctx context.Context, team, iterationID string) ([]capacity.DayOff, error) {
	u := c.teamURL(team, c.cfg.Paths.IterationDayOff, "{iterationId}", iterationID)
	body, err := c.fetch(ctx, EndpointTeamDaysOff, u)
	if err != nil {
		return nil, err
	}
	if err := requireKeys(body, EndpointTeamDaysOff, u, "daysOff"); err != nil {
		return nil, err
	}

	var resp struct {
		DaysOff []capacity.DayOff `json:"daysOff"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ParseError{What: EndpointTeamDaysOff, URL: u, Err: err}
	}
	return resp.DaysOff, nil
}

// Capacities returns every team member's capacity record for an iteration
func (c *Client) Capacities(ctx context.Context, team, iterationID string) ([]capacity.Member, error) {
	u := c.teamURL(team, c.cfg.Paths.Capacities, "{iterationId}", iterationID)
	body, err := c.fetch(ctx, EndpointCapacities, u)
	if err != nil {
		return nil, err
	}
	if err := requireKeys(body, EndpointCapacities, u, "teamMembers"); err != nil {
		return nil, err
	}

	var resp struct {
		TeamMembers []struct {
			TeamMember struct {
				DisplayName string `json:"displayName"`
			} `json:"teamMember"`
			Activities []capacity.Activity `json:"activities"`
			DaysOff    []capacity.DayOff   `json:"daysOff"`
		} `json:"teamMembers"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ParseError{What: EndpointCapacities, URL: u, Err: err}
	}

	members := make([]capacity.Member, 0, len(resp.TeamMembers))
	for _, tm := range resp.TeamMembers {
		members = append(members, capacity.Member{
			DisplayName: tm.TeamMember.DisplayName,
			DaysOff:     tm.DaysOff,
			Activities:  tm.Activities,
		})
	}
	return members, nil
}

// IterationWorkItemURLs returns the URLs of the iteration's top-level work
// items. Entries with a non-null rel are links between items and are skipped.
func (c *Client) IterationWorkItemURLs(ctx context.Context, team, iterationID string) ([]string, error) {
	u := c.teamURL(team, c.cfg.Paths.WorkItems, "{iterationId}", iterationID)
	body, err := c.fetch(ctx, EndpointWorkItems, u)
	if err != nil {
		return nil, err
	}
	if err := requireKeys(body, EndpointWorkItems, u, "workItemRelations"); err != nil {
		return nil, err
	}

	var resp struct {
		WorkItemRelations []struct {
			Rel    *string `json:"rel"`
			Target *struct {
				URL string `json:"url"`
			} `json:"target"`
		} `json:"workItemRelations"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ParseError{What: EndpointWorkItems, URL: u, Err: err}
	}

	var urls []string
	for _, wir := range resp.WorkItemRelations {
		if wir.Rel != nil || wir.Target == nil || wir.Target.URL == "" {
			continue
		}
		urls = append(urls, wir.Target.URL)
	}
	return urls, nil
}

// WorkItem fetches a work item by its URL and maps its fields. Custom field
// reference names come from the configuration.
func (c *Client) WorkItem(ctx context.Context, workItemURL string) (*models.WorkItem, error) {
	id, fields, err := c.fetchFields(ctx, EndpointWorkItem, workItemURL)
	if err != nil {
		return nil, err
	}

	return &models.WorkItem{
		ID:                  id,
		Type:                fields.Get(fieldPath(fieldWorkItemType)).String(),
		State:               strings.TrimSpace(fields.Get(fieldPath(fieldState)).String()),
		AssignedTo:          identity(fields, fieldAssignedTo, defaultAssignee),
		PlannedVersion:      fields.Get(fieldPath(c.cfg.Field(config.FieldPlannedVersion))).String(),
		StoryPoints:         fields.Get(fieldPath(c.cfg.Field(config.FieldStoryPoints))).String(),
		QAStoryPoints:       fields.Get(fieldPath(c.cfg.Field(config.FieldQAStoryPoints))).String(),
		OriginalStoryPoints: fields.Get(fieldPath(c.cfg.Field(config.FieldOriginalStoryPoints))).String(),
		Priority:            fields.Get(fieldPath(c.cfg.Field(config.FieldPriority))).String(),
		Severity:            fields.Get(fieldPath(c.cfg.Field(config.FieldSeverity))).String(),
		CreatedDate:         fields.Get(fieldPath(fieldCreatedDate)).String(),
		CreatedBy:           creator(fields),
		DevEndDate:          fields.Get(fieldPath(c.cfg.Field(config.FieldDevEndDate))).String(),
		QAReadyDate:         fields.Get(fieldPath(c.cfg.Field(config.FieldQAReadyDate))).String(),
		QAEndDate:           fields.Get(fieldPath(c.cfg.Field(config.FieldQAEndDate))).String(),
		Tags:                fields.Get(fieldPath(fieldTags)).String(),
		HasImplDetails:      strings.TrimSpace(fields.Get(fieldPath(c.cfg.Field(config.FieldImplDetails))).String()) != "",
	}, nil
}

// Task fetches a linked work item and maps it to a task. ok is false when the
// item is not of type Task.
func (c *Client) Task(ctx context.Context, taskURL string) (task models.Task, ok bool, err error) {
	_, fields, err := c.fetchFields(ctx, EndpointWorkItem, taskURL)
	if err != nil {
		return models.Task{}, false, err
	}
	if fields.Get(fieldPath(fieldWorkItemType)).String() != workItemTypeTask {
		return models.Task{}, false, nil
	}

	return models.Task{
		Activity:         fields.Get(fieldPath(fieldActivity)).String(),
		State:            fields.Get(fieldPath(fieldState)).String(),
		AssignedTo:       identity(fields, fieldAssignedTo, defaultAssignee),
		OriginalEstimate: fields.Get(fieldPath(fieldOriginalEstimate)).String(),
		RemainingWork:    fields.Get(fieldPath(fieldRemainingWork)).String(),
		CompletedWork:    fields.Get(fieldPath(fieldCompletedWork)).String(),
	}, true, nil
}

// Relations returns the links of a work item. A work item without links
// yields an empty slice.
func (c *Client) Relations(ctx context.Context, workItemID int) ([]Relation, error) {
	u := c.projectURL(c.cfg.Paths.WorkItemRelations, "{parentId}", strconv.Itoa(workItemID))
	body, err := c.fetch(ctx, EndpointRelations, u)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Relations []Relation `json:"relations"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ParseError{What: EndpointRelations, URL: u, Err: err}
	}
	return resp.Relations, nil
}

// PullRequest fetches the author and creation date of a pull request
func (c *Client) PullRequest(ctx context.Context, repositoryID, pullRequestID string) (*models.PullRequest, error) {
	u := c.projectURL(c.cfg.Paths.PullRequest, "{repositoryId}", repositoryID, "{pullRequestId}", pullRequestID)
	body, err := c.fetch(ctx, EndpointPullRequest, u)
	if err != nil {
		return nil, err
	}
	if err := requireKeys(body, EndpointPullRequest, u, "createdBy"); err != nil {
		return nil, err
	}

	var resp struct {
		CreatedBy struct {
			DisplayName string `json:"displayName"`
		} `json:"createdBy"`
		CreationDate string `json:"creationDate"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ParseError{What: EndpointPullRequest, URL: u, Err: err}
	}

	return &models.PullRequest{
		RepositoryID:  repositoryID,
		PullRequestID: pullRequestID,
		CreatedBy:     resp.CreatedBy.DisplayName,
		CreationDate:  resp.CreationDate,
	}, nil
}

// PullRequestThreads fetches every thread of a pull request, unfiltered
func (c *Client) PullRequestThreads(ctx context.Context, repositoryID, pullRequestID string) ([]ThreadRecord, error) {
	u := c.projectURL(c.cfg.Paths.PRThreads, "{repositoryId}", repositoryID, "{pullRequestId}", pullRequestID)
	body, err := c.fetch(ctx, EndpointPRThreads, u)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value []ThreadRecord `json:"value"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ParseError{What: EndpointPRThreads, URL: u, Err: err}
	}
	return resp.Value, nil
}

func (c *Client) fetch(ctx context.Context, endpoint, u string) ([]byte, error) {
	if c.memo != nil {
		if cached, found := c.memo.Get(u); found {
			c.metrics.Request(endpoint, metrics.OutcomeCached)
			return cached.([]byte), nil
		}
	}

	c.log.Debug("Fetching", zap.String("endpoint", endpoint), zap.String("url", u))
	body, err := c.getter.Get(ctx, u)
	if err != nil {
		c.metrics.Request(endpoint, metrics.OutcomeError)
		return nil, err
	}
	c.metrics.Request(endpoint, metrics.OutcomeOK)

	if c.memo != nil {
		c.memo.Set(u, body, cache.NoExpiration)
	}
	return body, nil
}

func (c *Client) fetchFields(ctx context.Context, endpoint, u string) (int, gjson.Result, error) {
	body, err := c.fetch(ctx, endpoint, u)
	if err != nil {
		return 0, gjson.Result{}, err
	}
	if !gjson.ValidBytes(body) {
		return 0, gjson.Result{}, &ParseError{What: endpoint, URL: u, Err: errInvalidJSON}
	}

	doc := gjson.ParseBytes(body)
	fields := doc.Get("fields")
	if !fields.IsObject() {
		return 0, gjson.Result{}, &ParseError{What: endpoint, URL: u, Err: errNoFields}
	}
	return int(doc.Get("id").Int()), fields, nil
}

func (c *Client) displayDate(raw, iteration string) string {
	if raw == "" {
		return notAvailable
	}
	formatted, err := calendar.FormatTimestamp(raw)
	if err != nil {
		c.log.Warn("Keeping unparseable iteration date", zap.String("iteration", iteration), zap.Error(err))
	}
	return formatted
}

func (c *Client) teamURL(team, path string, replacements ...string) string {
	return c.buildURL(c.cfg.TeamURI(team), path, replacements...)
}

func (c *Client) projectURL(path string, replacements ...string) string {
	return c.buildURL(c.cfg.TeamURI(""), path, replacements...)
}

func (c *Client) buildURL(base, path string, replacements ...string) string {
	if len(replacements) > 0 {
		path = strings.NewReplacer(replacements...).Replace(path)
	}
	u := base + strings.TrimLeft(path, "/")

	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "api-version=" + url.QueryEscape(c.cfg.APIVersion)
}

func requireKeys(body []byte, what, u string, keys ...string) error {
	if !gjson.ValidBytes(body) {
		return &ParseError{What: what, URL: u, Err: errInvalidJSON}
	}
	for _, key := range keys {
		if !gjson.GetBytes(body, key).Exists() {
			return &ParseError{What: what, URL: u, Err: &missingKeyError{key: key}}
		}
	}
	return nil
}

// fieldPath escapes a field reference name for use as a gjson path
func fieldPath(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch r {
		case '.', '*', '?', '|', '#', '@':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// identity reads the displayName of an identity field, falling back to def
// when the field is absent
func identity(fields gjson.Result, name, def string) string {
	v := fields.Get(fieldPath(name))
	if !v.Exists() {
		return def
	}
	dn := v.Get("displayName")
	if !dn.Exists() {
		return def
	}
	return dn.String()
}

func creator(fields gjson.Result) string {
	v := fields.Get(fieldPath(fieldCreatedBy))
	if !v.IsObject() {
		return defaultCreator
	}
	return v.Get("displayName").String()
}
