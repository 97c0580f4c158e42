package report

import (
	"bytes"
	"encoding/json"

	"github.com/samber/lo"

	"github.com/wesm/ado-sprint-digest/internal/models"
)

type iterationDoc struct {
	ProjectName  string          `json:"projectName"`
	TeamName     string          `json:"teamName"`
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	StartDate    string          `json:"startDate"`
	FinishDate   string          `json:"finishDate"`
	Allocations  []allocationDoc `json:"allocations"`
	WorkItems    []workItemDoc   `json:"workItems"`
	PullRequests []pullReqDoc    `json:"pullRequests"`
}

type allocationDoc struct {
	Name        string  `json:"name"`
	Capacity    float64 `json:"capacity"`
	DaysOff     int     `json:"daysOff"`
	WorkedDays  int     `json:"workedDays"`
	WorkedHours float64 `json:"workedHours"`
}

type workItemDoc struct {
	ID                  int          `json:"id"`
	Type                string       `json:"type"`
	State               string       `json:"state"`
	AssignedTo          string       `json:"assignedTo"`
	PlannedVersion      string       `json:"plannedReleaseVersion"`
	StoryPoints         string       `json:"storyPoints"`
	QAStoryPoints       string       `json:"qaStoryPoints"`
	OriginalStoryPoints string       `json:"originalStoryPoints"`
	Priority            string       `json:"priority"`
	Severity            string       `json:"severity"`
	CreatedDate         string       `json:"createdDate"`
	CreatedBy           string       `json:"createdBy"`
	DevEndDate          string       `json:"devEndDate"`
	QAReadyDate         string       `json:"qaReadyDate"`
	QAEndDate           string       `json:"qaEndDate"`
	Tags                string       `json:"tags"`
	HasImplDetails      bool         `json:"hasImplementationDetails"`
	Tasks               []taskDoc    `json:"tasks"`
	PullRequests        []pullReqDoc `json:"pullRequests"`
}

type taskDoc struct {
	TaskType         string `json:"taskType"`
	State            string `json:"state"`
	AssignedTo       string `json:"assignedTo"`
	OriginalEstimate string `json:"originalEstimate"`
	RemainingWork    string `json:"remainingWork"`
	CompletedWork    string `json:"completedWork"`
}

type pullReqDoc struct {
	PullRequestID string      `json:"pullRequestId"`
	RepositoryID  string      `json:"repositoryId"`
	CreatedBy     string      `json:"createdBy"`
	CreationDate  string      `json:"creationDate"`
	Threads       []threadDoc `json:"threads"`
}

type threadDoc struct {
	ThreadID   string            `json:"threadId"`
	Status     string            `json:"status"`
	IsDeleted  bool              `json:"isDeleted"`
	Commenters models.Commenters `json:"commenters"`
}

// NestedJSON renders one object per iteration with allocations, work items
// and iteration-level pull requests inline, indented by two spaces.
func NestedJSON(iterations []models.Iteration) ([]byte, error) {
	docs := lo.Map(iterations, func(itr models.Iteration, _ int) iterationDoc {
		return iterationDoc{
			ProjectName:  itr.Project,
			TeamName:     itr.Team,
			ID:           itr.ID,
			Name:         itr.Name,
			StartDate:    itr.StartDate,
			FinishDate:   itr.FinishDate,
			Allocations:  lo.Map(itr.Allocations, toAllocationDoc),
			WorkItems:    lo.Map(itr.WorkItems, toWorkItemDoc),
			PullRequests: lo.Map(itr.PullRequests, toPullReqDoc),
		}
	})

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(docs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toAllocationDoc(a models.TeamMemberAllocation, _ int) allocationDoc {
	return allocationDoc{
		Name:        a.Name,
		Capacity:    a.CapacityPerDay,
		DaysOff:     a.DaysOff,
		WorkedDays:  a.WorkedDays,
		WorkedHours: a.WorkedHours,
	}
}

func toWorkItemDoc(wi models.WorkItem, _ int) workItemDoc {
	return workItemDoc{
		ID:                  wi.ID,
		Type:                wi.Type,
		State:               wi.State,
		AssignedTo:          wi.AssignedTo,
		PlannedVersion:      wi.PlannedVersion,
		StoryPoints:         wi.StoryPoints,
		QAStoryPoints:       wi.QAStoryPoints,
		OriginalStoryPoints: wi.OriginalStoryPoints,
		Priority:            wi.Priority,
		Severity:            wi.Severity,
		CreatedDate:         wi.CreatedDate,
		CreatedBy:           wi.CreatedBy,
		DevEndDate:          wi.DevEndDate,
		QAReadyDate:         wi.QAReadyDate,
		QAEndDate:           wi.QAEndDate,
		Tags:                wi.Tags,
		HasImplDetails:      wi.HasImplDetails,
		Tasks:               lo.Map(wi.Tasks, toTaskDoc),
		PullRequests:        lo.Map(wi.PullRequests, toPullReqDoc),
	}
}

func toTaskDoc(t models.Task, _ int) taskDoc {
	return taskDoc{
		TaskType:         t.Activity,
		State:            t.State,
		AssignedTo:       t.AssignedTo,
		OriginalEstimate: t.OriginalEstimate,
		RemainingWork:    t.RemainingWork,
		CompletedWork:    t.CompletedWork,
	}
}

func toPullReqDoc(pr models.PullRequest, _ int) pullReqDoc {
	return pullReqDoc{
		PullRequestID: pr.PullRequestID,
		RepositoryID:  pr.RepositoryID,
		CreatedBy:     pr.CreatedBy,
		CreationDate:  pr.CreationDate,
		Threads: lo.Map(pr.Threads, func(th models.PullRequestThread, _ int) threadDoc {
			return threadDoc{
				ThreadID:   th.ID,
				Status:     th.Status,
				IsDeleted:  th.IsDeleted,
				Commenters: th.Commenters,
			}
		}),
	}
}
