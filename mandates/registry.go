package mandates

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/ddsync_backend/config"
	"bitbucket.org/mmdatafocus/ddsync_backend/ddclient"
	"bitbucket.org/mmdatafocus/ddsync_backend/utils"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCacheTTL = 24 * time.Hour
	// PageSize is how many mandates the recurring update walks per page.
	PageSize = 100
)

// Source lists mandates at the collection service. An empty reference lists all.
type Source interface {
	AuditLog(ctx context.Context, reference string) ([]ddclient.AuditDetail, error)
}

// RecurLinker maps mandate references to local recurring payment ids.
type RecurLinker interface {
	ListRecurringTransactionIds(ctx context.Context) (map[string]uint, error)
}

// Registry caches mandates in redis and in process. It is built once per run
// and handed to the engine; nothing here is package-global.
type Registry struct {
	source Source
	linker RecurLinker
	rdb    *redis.Client
	ttl    time.Duration
	logger *logrus.Logger

	mu     sync.RWMutex
	byRef  map[string]*Mandate
	loaded bool
}

func NewRegistry(source Source, linker RecurLinker, rdb *redis.Client, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Registry{
		source: source,
		linker: linker,
		rdb:    rdb,
		ttl:    DefaultCacheTTL,
		logger: logger,
		byRef:  make(map[string]*Mandate),
	}
}

// LookupByTransactionId returns the mandate for a reference, or nil when the
// service does not know it. With allowRefresh a cache miss triggers a single
// remote lookup.
func (r *Registry) LookupByTransactionId(ctx context.Context, reference string, allowRefresh bool) (*Mandate, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, nil
	}
	if m := r.local(reference); m != nil {
		return m, nil
	}
	cached, err := utils.RetrieveRedis[Mandate](ctx, r.rdb, reference)
	if err != nil {
		r.logger.WithError(err).WithField("reference", reference).Warn("mandate cache read failed")
	}
	if cached != nil {
		r.remember(cached)
		return cached, nil
	}
	if !allowRefresh || r.source == nil {
		return nil, nil
	}
	return r.fetchOne(ctx, reference)
}

func (r *Registry) fetchOne(ctx context.Context, reference string) (*Mandate, error) {
	details, err := r.source.AuditLog(ctx, reference)
	if err != nil {
		if errors.Is(err, ddclient.ErrRequestFailed) {
			r.logger.WithField("reference", reference).Debug("mandate not found at collection service")
			return nil, nil
		}
		return nil, err
	}
	var found *Mandate
	for _, d := range details {
		if d.ReferenceNumber == reference {
			found = fromAuditDetail(d)
			break
		}
	}
	if found == nil {
		return nil, nil
	}
	if r.linker != nil {
		links, err := r.linker.ListRecurringTransactionIds(ctx)
		if err != nil {
			return nil, err
		}
		found.RecurringId = links[reference]
	}
	if err := r.store(ctx, found); err != nil {
		r.logger.WithError(err).WithField("reference", reference).Warn("mandate cache write failed")
	}
	return found, nil
}

// Refresh reloads every mandate from the service and replaces the cache.
func (r *Registry) Refresh(ctx context.Context) (int, error) {
	if r.source == nil {
		return 0, errors.New("mandate source is not configured")
	}
	details, err := r.source.AuditLog(ctx, "")
	if err != nil {
		return 0, err
	}
	links := map[string]uint{}
	if r.linker != nil {
		if links, err = r.linker.ListRecurringTransactionIds(ctx); err != nil {
			return 0, err
		}
	}

	fresh := make(map[string]*Mandate, len(details))
	for _, d := range details {
		if d.ReferenceNumber == "" {
			continue
		}
		m := fromAuditDetail(d)
		m.RecurringId = links[m.Reference]
		fresh[m.Reference] = m
	}

	if r.rdb != nil {
		if err := utils.ClearRedisList[Mandate](ctx, r.rdb); err != nil {
			return 0, err
		}
		refs := make([]string, 0, len(fresh))
		for ref, m := range fresh {
			if err := utils.StoreRedis(ctx, r.rdb, ref, m, r.ttl); err != nil {
				return 0, err
			}
			refs = append(refs, ref)
		}
		if err := utils.AddRedisListMembers[Mandate](ctx, r.rdb, refs...); err != nil {
			return 0, err
		}
	}

	r.mu.Lock()
	r.byRef = fresh
	r.loaded = true
	r.mu.Unlock()

	r.logger.WithField("count", len(fresh)).Info("mandate registry refreshed")
	return len(fresh), nil
}

// ListAll returns mandates ordered by reference. refresh forces a reload.
func (r *Registry) ListAll(ctx context.Context, refresh bool, onlyWithRecurLink bool) ([]*Mandate, error) {
	if refresh {
		if _, err := r.Refresh(ctx); err != nil {
			return nil, err
		}
	} else if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	out := make([]*Mandate, 0, len(r.byRef))
	for _, m := range r.byRef {
		if onlyWithRecurLink && !m.HasRecurLink() {
			continue
		}
		out = append(out, m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out, nil
}

// Page returns up to limit mandates starting at offset, in ListAll order.
func (r *Registry) Page(ctx context.Context, offset, limit int, onlyWithRecurLink bool) ([]*Mandate, error) {
	all, err := r.ListAll(ctx, false, onlyWithRecurLink)
	if err != nil {
		return nil, err
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (r *Registry) Count(ctx context.Context, onlyWithRecurLink bool) (int, error) {
	all, err := r.ListAll(ctx, false, onlyWithRecurLink)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// ensureLoaded fills the in-process map from redis, falling back to a remote
// refresh when the shared cache is empty.
func (r *Registry) ensureLoaded(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	refs, err := utils.RedisListMembers[Mandate](ctx, r.rdb)
	if err != nil {
		r.logger.WithError(err).Warn("mandate cache list failed")
	}
	if len(refs) > 0 {
		fromCache := make(map[string]*Mandate, len(refs))
		for _, ref := range refs {
			m, err := utils.RetrieveRedis[Mandate](ctx, r.rdb, ref)
			if err != nil {
				return err
			}
			if m == nil {
				// expired entry; the whole list is stale
				fromCache = nil
				break
			}
			fromCache[ref] = m
		}
		if fromCache != nil {
			r.mu.Lock()
			r.byRef = fromCache
			r.loaded = true
			r.mu.Unlock()
			return nil
		}
	}
	_, err = r.Refresh(ctx)
	return err
}

func (r *Registry) local(reference string) *Mandate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byRef[reference]
}

func (r *Registry) remember(m *Mandate) {
	r.mu.Lock()
	r.byRef[m.Reference] = m
	r.mu.Unlock()
}

// store caches a single lookup. Only Refresh writes the list index, so the
// index always describes a complete listing.
func (r *Registry) store(ctx context.Context, m *Mandate) error {
	r.remember(m)
	return utils.StoreRedis(ctx, r.rdb, m.Reference, m, r.ttl)
}
