package sync

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/wesm/ado-sprint-digest/config"
	"github.com/wesm/ado-sprint-digest/internal/api"
	"github.com/wesm/ado-sprint-digest/internal/calendar"
	"github.com/wesm/ado-sprint-digest/internal/capacity"
	"github.com/wesm/ado-sprint-digest/internal/metrics"
	"github.com/wesm/ado-sprint-digest/internal/models"
)

// Number of skips shown in the end-of-run summary
const skipSampleSize = 5

// Result is everything a run collected
type Result struct {
	Iterations  []models.Iteration
	Skips       []Skip
	TeamsFailed int
	Duration    time.Duration
}

// Syncer walks every configured team and builds the iteration tree. It runs
// strictly one request at a time so output order follows fetch order.
type Syncer struct {
	cfg      *config.Config
	client   *api.Client
	resolver *Resolver
	log      *zap.Logger
	metrics  *metrics.Recorder
}

// New creates a new syncer
func New(cfg *config.Config, client *api.Client, log *zap.Logger, rec *metrics.Recorder) *Syncer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Syncer{
		cfg:      cfg,
		client:   client,
		resolver: NewResolver(client, log, cfg.FetchTasks, cfg.FetchPullRequests),
		log:      log,
		metrics:  rec,
	}
}

// Run collects every team's iterations. One team failing to list its
// iterations does not stop the others; the run fails only when all teams did.
func (s *Syncer) Run(ctx context.Context) (*Result, error) {
	startTime := time.Now()

	var cutoff time.Time
	if s.cfg.IgnoreEndedBefore != "" {
		var err error
		cutoff, err = calendar.ParseDisplayDate(s.cfg.IgnoreEndedBefore)
		if err != nil {
			return nil, errors.Wrap(err, "invalid ignoreIterationsEndedBefore")
		}
	}

	result := &Result{}
	var teamErrs *multierror.Error
	for _, team := range s.cfg.Teams {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.log.Info("Syncing team", zap.String("project", s.cfg.Project), zap.String("team", team))
		iterations, skips, err := s.syncTeam(ctx, team, cutoff)
		result.Skips = append(result.Skips, skips...)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Error("Failed to sync team", zap.String("team", team), zap.Error(err))
			teamErrs = multierror.Append(teamErrs, err)
			result.TeamsFailed++
			// Continue with other teams even if one fails
			continue
		}
		result.Iterations = append(result.Iterations, iterations...)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.Duration = time.Since(startTime)
	s.logSkips(result.Skips)

	if len(s.cfg.Teams) > 0 && result.TeamsFailed == len(s.cfg.Teams) {
		return nil, errors.Wrap(teamErrs.ErrorOrNil(), "no team could be synced")
	}

	s.log.Info("Sync completed",
		zap.Int("teams", len(s.cfg.Teams)-result.TeamsFailed),
		zap.Int("teams_failed", result.TeamsFailed),
		zap.Int("iterations", len(result.Iterations)),
		zap.Int("skips", len(result.Skips)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (s *Syncer) syncTeam(ctx context.Context, team string, cutoff time.Time) ([]models.Iteration, []Skip, error) {
	iterations, err := s.client.Iterations(ctx, team)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to list iterations for team %s", team)
	}

	if !cutoff.IsZero() {
		iterations = lo.Filter(iterations, func(itr models.Iteration, _ int) bool {
			return !endedBefore(itr, cutoff)
		})
	}
	s.log.Info("Found iterations", zap.String("team", team), zap.Int("count", len(iterations)))

	var skips []Skip
	for i := range iterations {
		if err := ctx.Err(); err != nil {
			return nil, skips, err
		}
		skips = append(skips, s.syncIteration(ctx, &iterations[i])...)
	}

	s.metrics.Iterations(len(iterations))
	return iterations, skips, nil
}

func (s *Syncer) syncIteration(ctx context.Context, itr *models.Iteration) []Skip {
	s.log.Info("Syncing iteration",
		zap.String("team", itr.Team),
		zap.String("iteration", itr.Name),
		zap.String("start", itr.StartDate),
		zap.String("finish", itr.FinishDate),
		zap.Int("days", calendar.DaysInclusive(itr.RawStart, itr.RawFinish)))

	var skips []Skip
	if s.cfg.FetchCapacities {
		if err := s.allocate(ctx, itr); err != nil {
			skips = append(skips, s.skip(Skip{Kind: SkipCapacity, Ref: itr.ID, Err: err}))
		}
	}
	if s.cfg.FetchWorkItems {
		skips = append(skips, s.collectWorkItems(ctx, itr)...)
	}
	return skips
}

func (s *Syncer) allocate(ctx context.Context, itr *models.Iteration) error {
	daysOff, err := s.client.TeamDaysOff(ctx, itr.Team, itr.ID)
	if err != nil {
		return errors.Wrap(err, "failed to get team days off")
	}
	members, err := s.client.Capacities(ctx, itr.Team, itr.ID)
	if err != nil {
		return errors.Wrap(err, "failed to get capacities")
	}

	capacities, err := capacity.Aggregate(daysOff, members)
	if err != nil {
		return err
	}
	allocations, err := capacity.AllocateIteration(capacities, itr.StartDate, itr.FinishDate)
	if err != nil {
		return err
	}

	itr.Allocations = append(itr.Allocations, allocations...)
	s.log.Info("Capacity allocated", zap.String("iteration", itr.Name), zap.Int("members", len(allocations)))
	return nil
}

func (s *Syncer) collectWorkItems(ctx context.Context, itr *models.Iteration) []Skip {
	urls, err := s.client.IterationWorkItemURLs(ctx, itr.Team, itr.ID)
	if err != nil {
		return []Skip{s.skip(Skip{Kind: SkipIterationWorkItems, Ref: itr.ID, Err: err})}
	}

	var skips []Skip
	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}

		wi, err := s.client.WorkItem(ctx, u)
		if err != nil {
			skips = append(skips, s.skip(Skip{Kind: SkipWorkItem, Ref: u, Err: err}))
			continue
		}
		if lo.Contains(s.cfg.IgnoredStates, wi.State) {
			s.metrics.WorkItem(metrics.WorkItemIgnored)
			s.log.Debug("Ignoring work item", zap.Int("id", wi.ID), zap.String("state", wi.State))
			continue
		}

		for _, skip := range s.resolver.Resolve(ctx, wi) {
			skips = append(skips, s.skip(skip))
		}

		itr.WorkItems = append(itr.WorkItems, *wi)
		s.metrics.WorkItem(metrics.WorkItemAdded)
		s.log.Debug("Added work item",
			zap.Int("id", wi.ID),
			zap.String("state", wi.State),
			zap.String("iteration", itr.Name),
			zap.Int("tasks", len(wi.Tasks)),
			zap.Int("pull_requests", len(wi.PullRequests)))
	}

	s.log.Info("Work items collected", zap.String("iteration", itr.Name), zap.Int("count", len(itr.WorkItems)))
	return skips
}

func (s *Syncer) skip(sk Skip) Skip {
	s.metrics.Skip(string(sk.Kind))
	fields := []zap.Field{zap.String("kind", string(sk.Kind)), zap.String("ref", sk.Ref), zap.Error(sk.Err)}
	// Links to deleted items are routine
	if api.IsNotFound(sk.Err) {
		s.log.Debug("Skipping missing item", fields...)
		return sk
	}
	s.log.Warn("Skipping", fields...)
	return sk
}

func (s *Syncer) logSkips(skips []Skip) {
	if len(skips) == 0 {
		return
	}

	// Sample a few skips to display
	var sample *multierror.Error
	for _, sk := range skips[:min(skipSampleSize, len(skips))] {
		sample = multierror.Append(sample, sk)
	}
	s.log.Warn("Completed with skipped items", zap.Int("skipped", len(skips)), zap.Error(sample))
}

// endedBefore reports whether the iteration finished before cutoff. An
// iteration without a usable finish date is kept.
func endedBefore(itr models.Iteration, cutoff time.Time) bool {
	finish, err := calendar.ParseDisplayDate(itr.FinishDate)
	if err != nil {
		return false
	}
	return finish.Before(cutoff)
}
