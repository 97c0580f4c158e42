package report

import (
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/wesm/ado-sprint-digest/internal/models"
)

// Columns is the fixed header of the flattened report
var Columns = []string{
	// iteration
	"Project Name", "Team Name", "Iteration Name", "Start Date", "Finish Date",
	// allocation
	"Member Name", "Capacity", "Days Off", "Worked Days", "Worked Hours",
	// work item
	"Planned Release Ver", "Work Item ID", "Work Item Type", "Work Item State", "Assigned To",
	"Story Points", "QA Story Points", "Original Story Points", "Priority", "Severity",
	"Created Date", "Created By", "Dev End Date", "QA Ready Date", "QA End Date",
	"Tags", "Has Impl",
	// pull request
	"Pull Request ID", "PR Created By", "PR Creation Date",
	// thread
	"PR Thread ID", "PR Thread Status",
	// commenter
	"Commenter", "Comment Count", "Comments",
}

// Widths of the column groups above, in order
var groupWidths = [...]int{5, 5, 17, 3, 2, 3}

const commentSeparator = " - "

var cellSanitizer = strings.NewReplacer("\t", " ", "\r", " ", "\n", " ")

// Rows flattens iterations into one row per leaf: allocations first, then
// every work item down to its commenters, then pull requests that sit on the
// iteration but are not linked from any of its work items. An empty level
// still yields one row with the deeper columns blank.
func Rows(iterations []models.Iteration) [][]string {
	var rows [][]string
	for _, itr := range iterations {
		iterationCols := []string{itr.Project, itr.Team, itr.Name, itr.StartDate, itr.FinishDate}

		for _, a := range itr.Allocations {
			rows = append(rows, assemble(iterationCols, allocationCols(a), nil, nil, nil, nil))
		}

		linked := make(map[string]bool)
		for _, wi := range itr.WorkItems {
			for _, pr := range wi.PullRequests {
				linked[pr.Key()] = true
			}
			rows = append(rows, workItemRows(iterationCols, wi)...)
		}

		orphans := lo.Filter(itr.PullRequests, func(pr models.PullRequest, _ int) bool {
			return !linked[pr.Key()]
		})
		for _, pr := range orphans {
			rows = append(rows, pullRequestRows(iterationCols, nil, pr)...)
		}
	}
	return rows
}

// TSV renders the header and Rows as tab-separated text. Tabs and line breaks
// inside values are replaced by spaces.
func TSV(iterations []models.Iteration) []byte {
	var sb strings.Builder
	writeLine(&sb, Columns)
	for _, row := range Rows(iterations) {
		writeLine(&sb, row)
	}
	return []byte(sb.String())
}

func writeLine(sb *strings.Builder, cells []string) {
	for i, cell := range cells {
		if i > 0 {
			sb.WriteByte('\t')
		}
		sb.WriteString(cellSanitizer.Replace(cell))
	}
	sb.WriteByte('\n')
}

func workItemRows(iterationCols []string, wi models.WorkItem) [][]string {
	wiCols := workItemCols(wi)
	if len(wi.PullRequests) == 0 {
		return [][]string{assemble(iterationCols, nil, wiCols, nil, nil, nil)}
	}

	var rows [][]string
	for _, pr := range wi.PullRequests {
		rows = append(rows, pullRequestRows(iterationCols, wiCols, pr)...)
	}
	return rows
}

func pullRequestRows(iterationCols, wiCols []string, pr models.PullRequest) [][]string {
	prCols := []string{pr.PullRequestID, pr.CreatedBy, pr.CreationDate}
	if len(pr.Threads) == 0 {
		return [][]string{assemble(iterationCols, nil, wiCols, prCols, nil, nil)}
	}

	var rows [][]string
	for _, th := range pr.Threads {
		threadCols := []string{th.ID, th.Status}
		if len(th.Commenters) == 0 {
			rows = append(rows, assemble(iterationCols, nil, wiCols, prCols, threadCols, nil))
			continue
		}
		for _, c := range th.Commenters {
			commenterCols := []string{c.Name, strconv.Itoa(len(c.CommentedAt)), strings.Join(c.CommentedAt, commentSeparator)}
			rows = append(rows, assemble(iterationCols, nil, wiCols, prCols, threadCols, commenterCols))
		}
	}
	return rows
}

func allocationCols(a models.TeamMemberAllocation) []string {
	return []string{
		a.Name,
		formatFloat(a.CapacityPerDay),
		strconv.Itoa(a.DaysOff),
		strconv.Itoa(a.WorkedDays),
		formatFloat(a.WorkedHours),
	}
}

func workItemCols(wi models.WorkItem) []string {
	return []string{
		wi.PlannedVersion,
		strconv.Itoa(wi.ID),
		wi.Type,
		wi.State,
		wi.AssignedTo,
		wi.StoryPoints,
		wi.QAStoryPoints,
		wi.OriginalStoryPoints,
		wi.Priority,
		wi.Severity,
		wi.CreatedDate,
		wi.CreatedBy,
		wi.DevEndDate,
		wi.QAReadyDate,
		wi.QAEndDate,
		wi.Tags,
		strconv.FormatBool(wi.HasImplDetails),
	}
}

// assemble lays out one row from its column groups; a nil group is blank
func assemble(groups ...[]string) []string {
	row := make([]string, 0, len(Columns))
	for i, width := range groupWidths {
		if groups[i] == nil {
			row = append(row, make([]string, width)...)
			continue
		}
		row = append(row, groups[i]...)
	}
	return row
}

// formatFloat prints the shortest representation with at least one decimal
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
