package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"media-enricher/constant"
	"media-enricher/entities"
	"media-enricher/pkg/identity"
	"media-enricher/pkg/lock"
	"media-enricher/pkg/metrics"
	"media-enricher/repository"
)

// IdentityProvider is the admin API. Implementations authorize every request
// themselves, so a long cycle never outlives its credential.
type IdentityProvider interface {
	AdminEvents(ctx context.Context, q identity.AdminEventQuery) ([]identity.AdminEvent, error)
	User(ctx context.Context, id string) (*identity.User, error)
}

type IdentitySyncConfig struct {
	PageSize   int
	Interval   time.Duration
	RetryDelay time.Duration
	Lookback   time.Duration
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	Skipped    bool
	Pages      int
	Seen       int
	Processed  int
	Checkpoint time.Time
	Advanced   bool
}

// IdentitySyncPoller pages through the provider's admin events from the
// persisted checkpoint and mirrors created users into the local users table.
type IdentitySyncPoller struct {
	provider IdentityProvider
	repo     repository.IdentityRepository
	locker   lock.Locker
	cfg      IdentitySyncConfig
	now      func() time.Time
}

func NewIdentitySyncPoller(provider IdentityProvider, repo repository.IdentityRepository, locker lock.Locker, cfg IdentitySyncConfig) *IdentitySyncPoller {
	if cfg.PageSize <= 0 {
		cfg.PageSize = constant.DefaultPageSize
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = constant.DefaultLookback
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	return &IdentitySyncPoller{
		provider: provider,
		repo:     repo,
		locker:   locker,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (p *IdentitySyncPoller) String() string {
	return "identity-sync-poller"
}

// Serve runs cycles until ctx is done. A failed cycle is retried from the last
// persisted checkpoint after RetryDelay.
func (p *IdentitySyncPoller) Serve(ctx context.Context) error {
	zerolog.Ctx(ctx).Info().Int("page_size", p.cfg.PageSize).Dur("interval", p.cfg.Interval).Msg("identity sync started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		delay := p.cfg.Interval
		result, err := p.RunCycle(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			zerolog.Ctx(ctx).Error().Err(err).Dur("retry_in", p.cfg.RetryDelay).Msg("identity sync cycle failed")
			metrics.IdentitySyncCycles.WithLabelValues("error").Inc()
			delay = p.cfg.RetryDelay
		case result.Skipped:
			metrics.IdentitySyncCycles.WithLabelValues("skipped").Inc()
		default:
			metrics.IdentitySyncCycles.WithLabelValues("success").Inc()
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunCycle performs one complete poll. The checkpoint is written only when the
// whole cycle succeeded and at least one event was processed.
func (p *IdentitySyncPoller) RunCycle(ctx context.Context) (result CycleResult, err error) {
	ctx = zerolog.Ctx(ctx).With().Str("cycle_id", uuid.NewString()).Logger().WithContext(ctx)
	logger := zerolog.Ctx(ctx)

	lease, err := p.locker.TryAcquire(ctx)
	if err != nil {
		return result, err
	}
	if lease == nil {
		logger.Debug().Msg("identity sync held by another instance")
		result.Skipped = true
		return result, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to release identity sync lock")
		}
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-lease.Lost():
			logger.Error().Msg("identity sync lock lost, abandoning cycle")
			cancel(lock.ErrLeaseLost)
		case <-ctx.Done():
		}
	}()

	checkpoint, err := p.repo.GetOrCreateCheckpoint(ctx, p.now().Add(-p.cfg.Lookback))
	if err != nil {
		return result, fmt.Errorf("load checkpoint: %w", err)
	}
	result.Checkpoint = checkpoint

	maxSeen := checkpoint
	for first := 0; ; first += p.cfg.PageSize {
		events, err := p.provider.AdminEvents(ctx, identity.AdminEventQuery{
			DateFrom:       checkpoint,
			OperationTypes: []string{constant.OperationTypeCreate},
			ResourceTypes:  []string{constant.ResourceTypeUser},
			First:          first,
			Max:            p.cfg.PageSize,
		})
		if err != nil {
			return result, fmt.Errorf("fetch page at %d: %w", first, err)
		}
		result.Pages++
		metrics.IdentityPageRequests.Inc()

		for _, event := range events {
			result.Seen++
			applied, err := p.apply(ctx, event)
			if err != nil {
				return result, fmt.Errorf("apply event %s: %w", event.ID, err)
			}
			if applied {
				result.Processed++
			}
			if at := event.OccurredAt(); at.After(maxSeen) {
				maxSeen = at
			}
		}

		if len(events) < p.cfg.PageSize {
			break
		}
	}

	// A cancelled cycle may have stopped short of the newest events.
	if ctx.Err() != nil {
		return result, context.Cause(ctx)
	}
	if result.Processed == 0 || !maxSeen.After(checkpoint) {
		logger.Debug().Int("seen", result.Seen).Int("pages", result.Pages).Msg("identity sync found nothing new")
		return result, nil
	}

	advanced, err := p.repo.AdvanceCheckpoint(ctx, maxSeen)
	if err != nil {
		return result, fmt.Errorf("advance checkpoint: %w", err)
	}
	result.Advanced = advanced
	if advanced {
		result.Checkpoint = maxSeen
		metrics.IdentityCheckpoint.Set(float64(maxSeen.Unix()))
	}

	logger.Info().
		Int("pages", result.Pages).
		Int("seen", result.Seen).
		Int("processed", result.Processed).
		Time("checkpoint", result.Checkpoint).
		Msg("identity sync cycle completed")
	return result, nil
}

// apply mirrors one admin event. It reports false for an event id already processed.
func (p *IdentitySyncPoller) apply(ctx context.Context, event identity.AdminEvent) (bool, error) {
	eventID := eventKey(event)
	logger := zerolog.Ctx(ctx).With().Str("event_id", eventID).Logger()

	done, err := p.repo.IsEventProcessed(ctx, eventID)
	if err != nil {
		return false, err
	}
	if done {
		logger.Debug().Msg("admin event already processed")
		metrics.IdentityEvents.WithLabelValues("duplicate").Inc()
		return false, nil
	}

	user, err := p.resolveUser(ctx, event)
	if errors.Is(err, identity.ErrUserNotFound) {
		logger.Warn().Str("resource_path", event.ResourcePath).Msg("user no longer exists, recording event only")
		metrics.IdentityEvents.WithLabelValues("user_missing").Inc()
		_, err := p.repo.MarkEventProcessed(ctx, eventID, p.now())
		return err == nil, err
	}
	if err != nil {
		return false, err
	}

	err = p.repo.Transaction(ctx, func(ctx context.Context, tx repository.IdentityRepository) error {
		if err := tx.UpsertUser(ctx, toEntity(user)); err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		if _, err := tx.MarkEventProcessed(ctx, eventID, p.now()); err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	logger.Info().Str("external_id", user.ID).Str("username", user.Username).Msg("user synchronized")
	metrics.IdentityEvents.WithLabelValues("applied").Inc()
	return true, nil
}

// resolveUser prefers the representation embedded in the event and falls back
// to fetching the user by the id in its resource path.
func (p *IdentitySyncPoller) resolveUser(ctx context.Context, event identity.AdminEvent) (*identity.User, error) {
	userID := event.UserID()
	if event.Representation != "" {
		var user identity.User
		if err := json.Unmarshal([]byte(event.Representation), &user); err == nil {
			if user.ID == "" {
				user.ID = userID
			}
			if user.ID != "" {
				return &user, nil
			}
		} else {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("unreadable user representation, fetching user")
		}
	}

	if userID == "" {
		return nil, fmt.Errorf("%w: no user id in resource path %q", identity.ErrUserNotFound, event.ResourcePath)
	}
	return p.provider.User(ctx, userID)
}

// eventKey is the dedup key. Providers that omit event ids get one derived
// from the event time and resource.
func eventKey(event identity.AdminEvent) string {
	if event.ID != "" {
		return event.ID
	}
	return fmt.Sprintf("%d:%s:%s", event.Time, event.OperationType, event.ResourcePath)
}

func toEntity(user *identity.User) *entities.User {
	out := &entities.User{
		ExternalID:    user.ID,
		Username:      user.Username,
		Email:         user.Email,
		FirstName:     user.FirstName,
		LastName:      user.LastName,
		Enabled:       user.Enabled,
		EmailVerified: user.EmailVerified,
	}
	if user.CreatedTimestamp > 0 {
		out.CreatedAt = time.UnixMilli(user.CreatedTimestamp).UTC()
	}
	return out
}
