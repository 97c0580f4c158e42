package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/magiconair/properties"
)

const (
	// EnvPatToken is the environment variable name for the Azure DevOps personal access token
	EnvPatToken = "ADO_PAT_TOKEN"

	// DefaultPath is the configuration file looked up when none is given
	DefaultPath = "config.properties"
)

// Default API paths, relative to the team (or project) URI
const (
	DefaultIterationsAPIPath        = "_apis/work/teamsettings/iterations"
	DefaultIterationDayOffPath      = "_apis/work/teamsettings/iterations/{iterationId}/teamdaysoff"
	DefaultCapacitiesAPIPath        = "_apis/work/teamsettings/iterations/{iterationId}/capacities"
	DefaultWorkItemsAPIPath         = "_apis/work/teamsettings/iterations/{iterationId}/workitems"
	DefaultWorkItemRelationsAPIPath = "_apis/wit/workitems/{parentId}?$expand=relations"
	DefaultPullRequestAPIPath       = "_apis/git/repositories/{repositoryId}/pullrequests/{pullRequestId}"
	DefaultPRThreadAPIPath          = "_apis/git/repositories/{repositoryId}/pullrequests/{pullRequestId}/threads"
)

// Work item field keys that can be remapped with field.<key>=<reference name>
const (
	FieldPlannedVersion      = "plannedReleaseVersion"
	FieldStoryPoints         = "storyPoints"
	FieldQAStoryPoints       = "qaStoryPoints"
	FieldOriginalStoryPoints = "originalStoryPoints"
	FieldPriority            = "priority"
	FieldSeverity            = "severity"
	FieldDevEndDate          = "devEndDate"
	FieldQAReadyDate         = "qaReadyDate"
	FieldQAEndDate           = "qaEndDate"
	FieldImplDetails         = "implementationDetails"
)

var defaultFields = map[string]string{
	FieldPlannedVersion:      "Custom.SYMPlannedReleaseVersion",
	FieldStoryPoints:         "Microsoft.VSTS.Scheduling.StoryPoints",
	FieldQAStoryPoints:       "Custom.QAStoryPoints",
	FieldOriginalStoryPoints: "Custom.OriginalStoryPoints",
	FieldPriority:            "Microsoft.VSTS.Common.Priority",
	FieldSeverity:            "Microsoft.VSTS.Common.Severity",
	FieldDevEndDate:          "Custom.DevEndDate",
	FieldQAReadyDate:         "Custom.QAReadyDate",
	FieldQAEndDate:           "Custom.QACompletionDate",
	FieldImplDetails:         "Custom.ImplementationDetails",
}

var requiredKeys = []string{"teams", "organization", "project", "patToken", "apiVersion", "baseUri"}

// ValidationError reports a required configuration property that is missing or empty
type ValidationError struct {
	Key string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("required configuration property is missing or empty: %s", e.Key)
}

// Paths holds the API path templates
type Paths struct {
	Iterations        string
	IterationDayOff   string
	Capacities        string
	WorkItems         string
	WorkItemRelations string
	PullRequest       string
	PRThreads         string
}

// Config represents the application configuration. It is built once at startup,
// command-line overrides included, and never mutated afterwards.
type Config struct {
	// Connection
	BaseURI      string
	Organization string
	Project      string
	Teams        []string
	PatToken     string
	AuthScheme   string // bearer or basic
	APIVersion   string
	Paths        Paths

	// HTTP behaviour
	HTTPTimeout       time.Duration
	MaxRetries        int
	RetryInitialDelay time.Duration
	CacheResponses    bool

	// What to collect
	IterationNames    []string
	IgnoreEndedBefore string // dd-Mon-yyyy
	IgnoredStates     []string
	FetchCapacities   bool
	FetchWorkItems    bool
	FetchTasks        bool
	FetchPullRequests bool
	Fields            map[string]string

	// Output
	OutputFormat string
	OutputPath   string
	MetricsFile  string

	// Logging
	LogLevel string
	LogFile  string

	// Cron expression; empty means run once
	Schedule string
}

// Overrides holds command-line values that take precedence over the file.
// Empty fields leave the file value in place.
type Overrides struct {
	OutputPath   string
	OutputFormat string
	LogLevel     string
	Schedule     string
}

// LoadConfig loads the configuration from a properties file and applies overrides
func LoadConfig(path string, o Overrides) (*Config, error) {
	// A missing .env is fine
	_ = godotenv.Load()

	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := FromProperties(p)
	if err != nil {
		return nil, err
	}
	o.apply(cfg)
	return cfg, nil
}

func (o Overrides) apply(cfg *Config) {
	if o.OutputPath != "" {
		cfg.OutputPath = o.OutputPath
	}
	if o.OutputFormat != "" {
		cfg.OutputFormat = o.OutputFormat
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if s := strings.TrimSpace(o.Schedule); s != "" {
		cfg.Schedule = s
	}
}

// FromProperties builds and validates a Config from already loaded properties
func FromProperties(p *properties.Properties) (*Config, error) {
	// Check for the token in the environment
	if envToken := os.Getenv(EnvPatToken); envToken != "" {
		p.Set("patToken", envToken)
	}

	for _, key := range requiredKeys {
		if strings.TrimSpace(p.GetString(key, "")) == "" {
			return nil, &ValidationError{Key: key}
		}
	}

	cfg := &Config{
		BaseURI:      p.GetString("baseUri", ""),
		Organization: p.GetString("organization", ""),
		Project:      p.GetString("project", ""),
		Teams:        splitList(p.GetString("teams", "")),
		PatToken:     p.GetString("patToken", ""),
		AuthScheme:   strings.ToLower(p.GetString("authScheme", "bearer")),
		APIVersion:   p.GetString("apiVersion", ""),
		Paths: Paths{
			Iterations:        p.GetString("iterationsApiPath", DefaultIterationsAPIPath),
			IterationDayOff:   p.GetString("iterationDayOffPath", DefaultIterationDayOffPath),
			Capacities:        p.GetString("capacitiesApiPath", DefaultCapacitiesAPIPath),
			WorkItems:         p.GetString("workitemsApiPath", DefaultWorkItemsAPIPath),
			WorkItemRelations: p.GetString("workItemRelationsAPIPath", DefaultWorkItemRelationsAPIPath),
			PullRequest:       p.GetString("pullRequestApiPath", DefaultPullRequestAPIPath),
			PRThreads:         p.GetString("PRThreadApiPath", DefaultPRThreadAPIPath),
		},

		HTTPTimeout:       p.GetParsedDuration("httpTimeout", 60*time.Second),
		MaxRetries:        p.GetInt("maxRetries", 3),
		RetryInitialDelay: p.GetParsedDuration("retryInitialDelay", time.Second),
		CacheResponses:    p.GetBool("cacheResponses", true),

		IterationNames:    splitList(p.GetString("includeOnlyIterationWithNames", "")),
		IgnoreEndedBefore: strings.TrimSpace(p.GetString("ignoreIterationsEndedBefore", "")),
		IgnoredStates:     splitList(p.GetString("ignoredWorkItemStates", "")),
		FetchCapacities:   p.GetBool("fetchCapacities", false),
		FetchWorkItems:    p.GetBool("fetchWorkItemDetails", false),
		FetchTasks:        p.GetBool("fetchWorkItemDetails.tasks", false),
		FetchPullRequests: p.GetBool("fetchWorkItemDetails.pullRequests", false),
		Fields:            make(map[string]string, len(defaultFields)),

		OutputFormat: p.GetString("outputFormatterType", "json"),
		OutputPath:   p.GetString("sprintCapacityDetailsFilePath", "report.json"),
		MetricsFile:  p.GetString("metricsFile", ""),

		LogLevel: p.GetString("logLevel", "info"),
		LogFile:  p.GetString("logFile", ""),

		Schedule: strings.TrimSpace(p.GetString("schedule", "")),
	}

	// A list of separators only is as good as missing
	if len(cfg.Teams) == 0 {
		return nil, &ValidationError{Key: "teams"}
	}

	for key, def := range defaultFields {
		cfg.Fields[key] = p.GetString("field."+key, def)
	}

	if cfg.AuthScheme != "bearer" && cfg.AuthScheme != "basic" {
		return nil, fmt.Errorf("unsupported authScheme %q (expected bearer or basic)", cfg.AuthScheme)
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return cfg, nil
}

// Field returns the reference name configured for a work item field key
func (c *Config) Field(key string) string {
	if name, ok := c.Fields[key]; ok {
		return name
	}
	return defaultFields[key]
}

// TeamURI returns {baseUri}{organization}/{project}/ and, when team is set, {team}/
func (c *Config) TeamURI(team string) string {
	base := strings.TrimRight(c.BaseURI, "/") + "/" + strings.Trim(c.Organization, "/") + "/"
	uri := base + escapeSegment(c.Project) + "/"
	if team != "" {
		uri += escapeSegment(team) + "/"
	}
	return uri
}

func splitList(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func escapeSegment(s string) string {
	return url.PathEscape(strings.TrimSpace(s))
}
