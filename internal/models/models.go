package models

import (
	"bytes"
	"encoding/json"
)

// Iteration represents a team sprint and everything collected for it
type Iteration struct {
	Project    string
	Team       string
	ID         string
	Name       string
	StartDate  string // dd-Mon-yyyy, or the raw timestamp if it could not be parsed
	FinishDate string

	// Raw ISO timestamps as returned by the service
	RawStart  string
	RawFinish string

	Allocations []TeamMemberAllocation
	WorkItems   []WorkItem
	// PullRequests holds pull requests attached to the iteration directly rather
	// than through a work item.
	PullRequests []PullRequest
}

// TeamMemberAllocation is the worked-days/worked-hours figure for one member
type TeamMemberAllocation struct {
	Name           string
	CapacityPerDay float64
	DaysOff        int
	WorkedDays     int
	WorkedHours    float64
}

// WorkItem represents a story, bug or other backlog item in an iteration
type WorkItem struct {
	ID                  int
	Type                string
	State               string
	AssignedTo          string
	PlannedVersion      string
	StoryPoints         string
	QAStoryPoints       string
	OriginalStoryPoints string
	Priority            string
	Severity            string
	CreatedDate         string
	CreatedBy           string
	DevEndDate          string
	QAReadyDate         string
	QAEndDate           string
	Tags                string
	HasImplDetails      bool

	Tasks        []Task
	PullRequests []PullRequest
}

// Task is a child work item of type Task
type Task struct {
	Activity         string
	State            string
	AssignedTo       string
	OriginalEstimate string
	RemainingWork    string
	CompletedWork    string
}

// PullRequest represents a pull request linked to a work item
type PullRequest struct {
	ProjectID     string
	RepositoryID  string
	PullRequestID string
	CreatedBy     string
	CreationDate  string
	Threads       []PullRequestThread
}

// Key identifies a pull request across work items.
func (pr PullRequest) Key() string {
	return pr.RepositoryID + "/" + pr.PullRequestID
}

// PullRequestThread is a review discussion on a pull request. Only metadata is kept:
// who commented and when.
type PullRequestThread struct {
	ID         string
	Status     string
	IsDeleted  bool
	Commenters Commenters
}

// Commenter is one author's text comments on a thread
type Commenter struct {
	Name        string
	CommentedAt []string
}

// Commenters keeps authors in the order they first commented.
type Commenters []Commenter

// Add appends a comment timestamp for author, creating the entry on first use.
func (c Commenters) Add(author, publishedAt string) Commenters {
	for i := range c {
		if c[i].Name == author {
			c[i].CommentedAt = append(c[i].CommentedAt, publishedAt)
			return c
		}
	}
	return append(c, Commenter{Name: author, CommentedAt: []string{publishedAt}})
}

// MarshalJSON renders commenters as an object keyed by author, preserving order.
func (c Commenters) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, commenter := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(commenter.Name)
		if err != nil {
			return nil, err
		}
		dates := commenter.CommentedAt
		if dates == nil {
			dates = []string{}
		}
		values, err := json.Marshal(dates)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(values)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
