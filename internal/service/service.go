package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"boxledger/backend/internal/cache"
	"boxledger/backend/internal/domain"
	"boxledger/backend/internal/lock"
	"boxledger/backend/internal/logging"
	"boxledger/backend/internal/store"
	"boxledger/backend/internal/xid"
)

const moduleName = "service"

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo           store.Repository
	saleCache      cache.SaleListCache
	saleCacheTTL   time.Duration
	locker         lock.DecisionLocker
	logger         *logrus.Logger
	defaultOwnerID string
	now            func() time.Time
}

type Option func(*Service)

func WithSaleCache(c cache.SaleListCache, ttl time.Duration) Option {
	return func(s *Service) {
		if c != nil {
			s.saleCache = c
		}
		if ttl > 0 {
			s.saleCacheTTL = ttl
		}
	}
}

func WithDecisionLocker(l lock.DecisionLocker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

func WithLogger(l *logrus.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(repo store.Repository, defaultOwnerID string, opts ...Option) *Service {
	if defaultOwnerID == "" {
		defaultOwnerID = "main-account"
	}

	s := &Service{
		repo:           repo,
		saleCache:      cache.NoopSaleListCache{},
		saleCacheTTL:   30 * time.Second,
		locker:         lock.NoopLocker{},
		logger:         logging.Discard(),
		defaultOwnerID: defaultOwnerID,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// requireActor returns the acting identity, with the owner defaulted. Every
// write needs one so created_by, performed_by and approved_by are never blank.
func (s *Service) requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.Username) == "" {
		return domain.Actor{}, fmt.Errorf("%w: acting identity required", store.ErrForbidden)
	}
	if actor.OwnerID == "" {
		actor.OwnerID = s.defaultOwnerID
	}
	return actor, nil
}

func (s *Service) ownerID(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.OwnerID != "" {
		return actor.OwnerID
	}
	return s.defaultOwnerID
}

func (s *Service) ListActivityLogs(ctx context.Context, date string, limit int) ([]domain.ActivityLog, error) {
	if limit < 1 {
		limit = 100
	}

	// no date means the trailing day, up to and including now
	to := s.now().Add(time.Second)
	from := to.Add(-24 * time.Hour)
	if strings.TrimSpace(date) != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, invalidField("date", "datetime=2006-01-02")
		}
		from = parsed.UTC()
		to = from.Add(24 * time.Hour)
	}

	return s.repo.ListActivityLogs(ctx, s.ownerID(ctx), from, to, limit)
}

func (s *Service) logActivity(ctx context.Context, ownerID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateActivityLog(ctx, domain.ActivityLog{
		ID:            xid.New("act"),
		OwnerID:       ownerID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.WithFields(logrus.Fields{
			"module": moduleName,
			"action": action,
			"entity": entityType + "/" + entityID,
		}).WithError(err).Warn("failed to write activity log")
	}
}

func (s *Service) invalidateSales(ctx context.Context, ownerID string) {
	if err := s.saleCache.Invalidate(ctx, ownerID); err != nil {
		s.logger.WithFields(logrus.Fields{"module": moduleName, "owner_id": ownerID}).WithError(err).Warn("failed to invalidate sale cache")
	}
}
