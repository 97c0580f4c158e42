package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wesm/ado-sprint-digest/config"
	"github.com/wesm/ado-sprint-digest/internal/api"
	"github.com/wesm/ado-sprint-digest/internal/metrics"
)

const (
	teamA       = "https://dev.azure.com/org/Proj/Team%20A/"
	teamB       = "https://dev.azure.com/org/Proj/Team%20B/"
	project     = "https://dev.azure.com/org/Proj/"
	workItemURL = "https://dev.azure.com/org/_apis/wit/workItems/"
)

type fakeGetter struct {
	bodies map[string]string
	calls  map[string]int
}

func (f *fakeGetter) Get(_ context.Context, url string) ([]byte, error) {
	f.calls[url]++
	body, ok := f.bodies[url]
	if !ok {
		return nil, &api.TransportError{URL: url, Err: api.NewStatusError(404, "")}
	}
	return []byte(body), nil
}

func testConfig() *config.Config {
	return &config.Config{
		BaseURI:      "https://dev.azure.com/",
		Organization: "org",
		Project:      "Proj",
		Teams:        []string{"Team A", "Team B"},
		APIVersion:   "7.1",
		Paths: config.Paths{
			Iterations:        config.DefaultIterationsAPIPath,
			IterationDayOff:   config.DefaultIterationDayOffPath,
			Capacities:        config.DefaultCapacitiesAPIPath,
			WorkItems:         config.DefaultWorkItemsAPIPath,
			WorkItemRelations: config.DefaultWorkItemRelationsAPIPath,
			PullRequest:       config.DefaultPullRequestAPIPath,
			PRThreads:         config.DefaultPRThreadAPIPath,
		},
		IgnoredStates:     []string{"Removed"},
		FetchCapacities:   true,
		FetchWorkItems:    true,
		FetchTasks:        true,
		FetchPullRequests: true,
	}
}

// sprintFixture serves one iteration of Team A with capacity, three work
// items, tasks and pull requests. Team B has no data and fails.
func sprintFixture() *fakeGetter {
	return &fakeGetter{calls: map[string]int{}, bodies: map[string]string{
		teamA + "_apis/work/teamsettings/iterations?api-version=7.1": `{"value": [
			{"id": "it-1", "name": "Sprint 1", "attributes": {"startDate": "2024-01-15T00:00:00Z", "finishDate": "2024-01-19T00:00:00Z"}}
		]}`,
		teamA + "_apis/work/teamsettings/iterations/it-1/teamdaysoff?api-version=7.1": `{"daysOff": []}`,
		teamA + "_apis/work/teamsettings/iterations/it-1/capacities?api-version=7.1": `{"teamMembers": [
			{"teamMember": {"displayName": "Alice"}, "activities": [{"name": "Development", "capacityPerDay": 6}],
			 "daysOff": [{"start": "2024-01-16T00:00:00Z", "end": "2024-01-16T00:00:00Z"}]},
			{"teamMember": {"displayName": "Bob"}, "activities": [{"name": "", "capacityPerDay": 0}], "daysOff": []}
		]}`,
		teamA + "_apis/work/teamsettings/iterations/it-1/workitems?api-version=7.1": `{"workItemRelations": [
			{"rel": null, "target": {"id": 1, "url": "` + workItemURL + `1"}},
			{"rel": null, "target": {"id": 2, "url": "` + workItemURL + `2"}},
			{"rel": null, "target": {"id": 3, "url": "` + workItemURL + `3"}},
			{"rel": "System.LinkTypes.Hierarchy-Forward", "source": {"id": 1}, "target": {"id": 10, "url": "` + workItemURL + `10"}}
		]}`,
		workItemURL + "1": `{"id": 1, "fields": {"System.WorkItemType": "User Story", "System.State": "Active"}}`,
		workItemURL + "2": `{"id": 2, "fields": {"System.WorkItemType": "Bug", "System.State": "Removed"}}`,
		workItemURL + "10": `{"id": 10, "fields": {"System.WorkItemType": "Task", "System.State": "Active",
			"Microsoft.VSTS.Common.Activity": "Development"}}`,
		workItemURL + "11": `{"id": 11, "fields": {"System.WorkItemType": "Bug", "System.State": "Active"}}`,
		project + "_apis/wit/workitems/1?$expand=relations&api-version=7.1": `{"id": 1, "relations": [
			{"rel": "System.LinkTypes.Hierarchy-Forward", "url": "` + workItemURL + `10", "attributes": {"name": "Child"}},
			{"rel": "System.LinkTypes.Hierarchy-Forward", "url": "` + workItemURL + `11", "attributes": {"name": "Child"}},
			{"rel": "System.LinkTypes.Hierarchy-Reverse", "url": "` + workItemURL + `99", "attributes": {"name": "Parent"}},
			{"rel": "ArtifactLink", "url": "vstfs:///Git/PullRequestId/p1%2Frepo1%2F7", "attributes": {"name": "Pull Request"}},
			{"rel": "ArtifactLink", "url": "vstfs:///Git/PullRequestId/p1%2Frepo2%2F8", "attributes": {"name": "Pull Request"}},
			{"rel": "ArtifactLink", "url": "vstfs:///Git/Commit/p1%2Frepo1%2Fabc", "attributes": {"name": "Fixed in Commit"}}
		]}`,
		project + "_apis/git/repositories/repo1/pullrequests/7?api-version=7.1": `{"createdBy": {"displayName": "Bob"}, "creationDate": "2024-01-16T09:00:00Z"}`,
		project + "_apis/git/repositories/repo1/pullrequests/7/threads?api-version=7.1": `{"value": [
			{"id": 1, "status": "active", "isDeleted": false, "comments": [
				{"commentType": "text", "publishedDate": "2024-01-16T10:00:00Z", "author": {"displayName": "Carol"}},
				{"commentType": "system", "publishedDate": "2024-01-16T10:05:00Z", "author": {"displayName": "Azure DevOps"}},
				{"commentType": "text", "publishedDate": "2024-01-17T10:00:00Z", "author": {"displayName": "Carol"}}
			]},
			{"id": 2, "status": "abandoned", "isDeleted": false, "comments": [
				{"commentType": "text", "publishedDate": "2024-01-16T11:00:00Z", "author": {"displayName": "Dave"}}
			]},
			{"id": 3, "status": "active", "isDeleted": true, "comments": []}
		]}`,
	}}
}

func TestSyncer_Run(t *testing.T) {
	g := sprintFixture()
	cfg := testConfig()
	rec := metrics.New()

	client := api.NewClient(cfg, g, nil, rec)
	result, err := New(cfg, client, nil, rec).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.TeamsFailed)
	require.Len(t, result.Iterations, 1)
	itr := result.Iterations[0]
	assert.Equal(t, "Team A", itr.Team)
	assert.Equal(t, "15-Jan-2024", itr.StartDate)

	// Bob has no positive capacity
	require.Len(t, itr.Allocations, 1)
	assert.Equal(t, "Alice", itr.Allocations[0].Name)
	assert.Equal(t, 4, itr.Allocations[0].WorkedDays)
	assert.Equal(t, 24.0, itr.Allocations[0].WorkedHours)

	// work item 2 is ignored, work item 3 cannot be fetched
	require.Len(t, itr.WorkItems, 1)
	wi := itr.WorkItems[0]
	assert.Equal(t, 1, wi.ID)

	require.Len(t, wi.Tasks, 1)
	assert.Equal(t, "Development", wi.Tasks[0].Activity)

	require.Len(t, wi.PullRequests, 1)
	pr := wi.PullRequests[0]
	assert.Equal(t, "p1", pr.ProjectID)
	assert.Equal(t, "repo1", pr.RepositoryID)
	assert.Equal(t, "7", pr.PullRequestID)
	assert.Equal(t, "Bob", pr.CreatedBy)

	require.Len(t, pr.Threads, 1)
	assert.Equal(t, "1", pr.Threads[0].ID)
	require.Len(t, pr.Threads[0].Commenters, 1)
	assert.Equal(t, "Carol", pr.Threads[0].Commenters[0].Name)
	assert.Equal(t, []string{"2024-01-16T10:00:00Z", "2024-01-17T10:00:00Z"}, pr.Threads[0].Commenters[0].CommentedAt)

	assert.Empty(t, itr.PullRequests)

	// relations are fetched once for tasks and pull requests together
	assert.Equal(t, 1, g.calls[project+"_apis/wit/workitems/1?$expand=relations&api-version=7.1"])

	kinds := make(map[SkipKind]int)
	for _, sk := range result.Skips {
		kinds[sk.Kind]++
	}
	assert.Equal(t, map[SkipKind]int{SkipWorkItem: 1, SkipPullRequest: 1}, kinds)

	summary, err := rec.Summary()
	require.NoError(t, err)
	assert.Equal(t, 1.0, summary["ado_iterations_total"])
	assert.Equal(t, 1.0, summary["ado_work_items_total{result=ignored}"])
	assert.Equal(t, 1.0, summary["ado_work_items_total{result=added}"])
	assert.Equal(t, 1.0, summary["ado_skips_total{kind=pull_request}"])
}

func TestSyncer_StageToggles(t *testing.T) {
	g := sprintFixture()
	cfg := testConfig()
	cfg.Teams = []string{"Team A"}
	cfg.FetchCapacities = false
	cfg.FetchTasks = false
	cfg.FetchPullRequests = false

	result, err := New(cfg, api.NewClient(cfg, g, nil, nil), nil, nil).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Iterations, 1)

	itr := result.Iterations[0]
	assert.Empty(t, itr.Allocations)
	require.Len(t, itr.WorkItems, 1)
	assert.Empty(t, itr.WorkItems[0].Tasks)
	assert.Empty(t, itr.WorkItems[0].PullRequests)
	assert.Zero(t, g.calls[project+"_apis/wit/workitems/1?$expand=relations&api-version=7.1"])
}

func TestSyncer_CapacityFailureLeavesIterationWithoutAllocations(t *testing.T) {
	g := sprintFixture()
	delete(g.bodies, teamA+"_apis/work/teamsettings/iterations/it-1/capacities?api-version=7.1")
	cfg := testConfig()
	cfg.Teams = []string{"Team A"}

	result, err := New(cfg, api.NewClient(cfg, g, nil, nil), nil, nil).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Iterations, 1)
	assert.Empty(t, result.Iterations[0].Allocations)
	assert.Len(t, result.Iterations[0].WorkItems, 1)
	assert.Equal(t, SkipCapacity, result.Skips[0].Kind)
}

func TestSyncer_RelationsFailureKeepsWorkItem(t *testing.T) {
	g := sprintFixture()
	delete(g.bodies, project+"_apis/wit/workitems/1?$expand=relations&api-version=7.1")
	cfg := testConfig()
	cfg.Teams = []string{"Team A"}

	result, err := New(cfg, api.NewClient(cfg, g, nil, nil), nil, nil).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Iterations, 1)

	require.Len(t, result.Iterations[0].WorkItems, 1)
	wi := result.Iterations[0].WorkItems[0]
	assert.Equal(t, 1, wi.ID)
	assert.Empty(t, wi.Tasks)
	assert.Empty(t, wi.PullRequests)

	var relationSkips []Skip
	for _, sk := range result.Skips {
		if sk.Kind == SkipRelations {
			relationSkips = append(relationSkips, sk)
		}
	}
	require.Len(t, relationSkips, 1)
	assert.Equal(t, "1", relationSkips[0].Ref)
	assert.True(t, api.IsNotFound(relationSkips[0].Err))
	// no child was dereferenced
	assert.Zero(t, g.calls[workItemURL+"10"])
}

func TestSyncer_SkipLogLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cfg := testConfig()
	cfg.Teams = []string{"Team A"}
	g := sprintFixture()
	// a malformed body is a real problem, unlike a missing item
	g.bodies[project+"_apis/git/repositories/repo1/pullrequests/7?api-version=7.1"] = `{"creationDate": "2024-01-16T09:00:00Z"}`

	_, err := New(cfg, api.NewClient(cfg, g, nil, nil), zap.New(core), nil).Run(context.Background())
	require.NoError(t, err)

	missing := logs.FilterMessage("Skipping missing item").All()
	require.Len(t, missing, 2) // work item 3 and pull request 8
	for _, entry := range missing {
		assert.Equal(t, zapcore.DebugLevel, entry.Level)
	}

	warned := logs.FilterMessage("Skipping").All()
	require.Len(t, warned, 1)
	assert.Equal(t, zapcore.WarnLevel, warned[0].Level)
	assert.Equal(t, string(SkipPullRequest), warned[0].ContextMap()["kind"])
}

func TestSyncer_IgnoreEndedBefore(t *testing.T) {
	cfg := testConfig()
	cfg.Teams = []string{"Team A"}

	cfg.IgnoreEndedBefore = "20-Jan-2024"
	result, err := New(cfg, api.NewClient(cfg, sprintFixture(), nil, nil), nil, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Iterations)

	cfg.IgnoreEndedBefore = "19-Jan-2024"
	result, err = New(cfg, api.NewClient(cfg, sprintFixture(), nil, nil), nil, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Iterations, 1)

	cfg.IgnoreEndedBefore = "2024-01-20"
	_, err = New(cfg, api.NewClient(cfg, sprintFixture(), nil, nil), nil, nil).Run(context.Background())
	assert.Error(t, err)
}

func TestSyncer_AllTeamsFail(t *testing.T) {
	cfg := testConfig()
	cfg.Teams = []string{"Team B"}
	g := &fakeGetter{bodies: map[string]string{}, calls: map[string]int{}}

	_, err := New(cfg, api.NewClient(cfg, g, nil, nil), nil, nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Team B")
	assert.Equal(t, 1, g.calls[teamB+"_apis/work/teamsettings/iterations?api-version=7.1"])
}

func TestSyncer_Cancelled(t *testing.T) {
	cfg := testConfig()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(cfg, api.NewClient(cfg, sprintFixture(), nil, nil), nil, nil).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
