// Package scheduler implements C5, the unified account scheduler of
// spec.md §4.5 — the hard core of this subsystem.
//
// Grounded on the teacher's providers.Manager (internal/gateway/providers/manager.go),
// which picks a Provider by model prefix and walks a static failover chain
// on error. AccountScheduler generalizes that single "one provider per
// model family, fixed fallback list" idea into the binding/session/
// priority/rate-limit resolution chain spec.md §4.5 specifies: dedicated
// binding, group binding, sticky session, then a priority+LRU-ranked
// shared pool, each platform-scoped instead of provider-scoped.
package scheduler

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/core/errs"
	"github.com/mrmushfiq/llm0-gateway/internal/core/keystore"
	"github.com/mrmushfiq/llm0-gateway/internal/core/session"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/logger"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// Selection is the return value of Select: the chosen account pair spec.md
// §4.5 names {accountId, accountType} — here "accountType" is the account
// variant (ClaudeOAuth/ClaudeConsole/OpenAI/Gemini), not the shared/
// dedicated pool membership, matching the wording of spec.md's entry point.
type Selection struct {
	AccountID string
	Variant   models.AccountVariant
}

// Scheduler is C5, scoped to one platform (one HTTP relay route group per
// spec.md §6 owns one Scheduler instance, with its own SessionMap
// namespace — "prefixes differ per scheduler instance").
type Scheduler struct {
	store    keystore.Store
	sessions *session.Map
	log      *logger.Logger
	platform models.Platform
	variants []models.AccountVariant
}

// New constructs a Scheduler for one platform. variants lists, in the
// fixed precedence order of spec.md §4.5 rule 1, the account variants that
// serve this platform (e.g. {ClaudeOAuth, ClaudeConsole} for Claude).
func New(store keystore.Store, sessions *session.Map, log *logger.Logger, platform models.Platform, variants []models.AccountVariant) *Scheduler {
	return &Scheduler{store: store, sessions: sessions, log: log, platform: platform, variants: variants}
}

func (s *Scheduler) now() time.Time { return time.Now() }

// Select implements spec.md §4.5's entry point.
func (s *Scheduler) Select(ctx context.Context, key *models.ApiKey, sessionHash, requestedModel string) (*Selection, error) {
	now := s.now()

	var restrictGroup *models.AccountGroup

	// Rules 1 & 2: dedicated binding / group binding, in the key's fixed
	// per-platform variant order.
	for _, v := range s.variants {
		binding, ok := key.Bindings.ForVariant(v)
		if !ok {
			continue
		}
		if strings.HasPrefix(binding, "group:") {
			groupID := strings.TrimPrefix(binding, "group:")
			group, err := s.store.GetGroup(ctx, groupID)
			if err != nil {
				return nil, errs.Wrap(errs.InternalError, "group lookup failed", err)
			}
			if group == nil || group.Platform != s.platform || len(group.Members) == 0 {
				return nil, errs.New(errs.GroupMisconfigured, "bound account group is empty or mismatched")
			}
			restrictGroup = group
			break
		}

		// Individual dedicated binding.
		acc, err := s.store.GetAccount(ctx, binding)
		if err != nil {
			return nil, errs.Wrap(errs.InternalError, "account lookup failed", err)
		}
		if acc == nil {
			s.log.Warn("dedicated binding %s points to missing account, falling through to pool", binding)
			continue
		}
		if acc.Eligible(now, requestedModel) {
			return &Selection{AccountID: acc.ID, Variant: acc.Variant}, nil
		}
		s.log.Warn("dedicated binding %s ineligible for model %q, falling through", binding, requestedModel)
	}

	// Rule 3: sticky session, scoped to the group restriction if one is in
	// effect.
	if sessionHash != "" {
		mapping, err := s.sessions.Get(ctx, sessionHash)
		if err != nil {
			return nil, errs.Wrap(errs.InternalError, "session lookup failed", err)
		}
		if mapping != nil {
			acc, err := s.store.GetAccount(ctx, mapping.AccountID)
			if err != nil {
				return nil, errs.Wrap(errs.InternalError, "account lookup failed", err)
			}
			if acc != nil && acc.Eligible(now, requestedModel) && inGroup(restrictGroup, acc.ID) {
				// A successful reuse does not refresh the TTL (spec.md §4.4).
				return &Selection{AccountID: acc.ID, Variant: acc.Variant}, nil
			}
			if err := s.sessions.Delete(ctx, sessionHash); err != nil {
				return nil, errs.Wrap(errs.InternalError, "session delete failed", err)
			}
		}
	}

	// Rule 4: shared pool, ranked by priority then LRU then id.
	candidates, err := s.poolCandidates(ctx, now, requestedModel, restrictGroup)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		msg := "no eligible accounts available"
		if requestedModel != "" {
			msg = "no eligible accounts available for model " + requestedModel
		}
		return nil, errs.New(errs.NoAvailableAccounts, msg)
	}

	rank(candidates)
	chosen := candidates[0]

	if sessionHash != "" {
		if err := s.sessions.Set(ctx, sessionHash, models.SessionMapping{AccountID: chosen.ID, Variant: chosen.Variant}); err != nil {
			return nil, errs.Wrap(errs.InternalError, "session write failed", err)
		}
	}

	return &Selection{AccountID: chosen.ID, Variant: chosen.Variant}, nil
}

func inGroup(g *models.AccountGroup, accountID string) bool {
	if g == nil {
		return true
	}
	for _, m := range g.Members {
		if m == accountID {
			return true
		}
	}
	return false
}

func (s *Scheduler) poolCandidates(ctx context.Context, now time.Time, model string, group *models.AccountGroup) ([]*models.UpstreamAccount, error) {
	var pool []*models.UpstreamAccount

	if group != nil {
		for _, id := range group.Members {
			acc, err := s.store.GetAccount(ctx, id)
			if err != nil {
				return nil, errs.Wrap(errs.InternalError, "account lookup failed", err)
			}
			if acc == nil {
				continue
			}
			pool = append(pool, acc)
		}
	} else {
		for _, v := range s.variants {
			accs, err := s.store.ListAccounts(ctx, v)
			if err != nil {
				return nil, errs.Wrap(errs.InternalError, "account list failed", err)
			}
			pool = append(pool, accs...)
		}
	}

	var out []*models.UpstreamAccount
	for _, acc := range pool {
		if group == nil && acc.AccountType != models.AccountShared && acc.AccountType != "" {
			continue // dedicated accounts are never part of the shared pool
		}
		if acc.Eligible(now, model) {
			out = append(out, acc)
		}
	}
	return out, nil
}

// rank sorts candidates by priority ascending, then lastUsedAt ascending,
// then id ascending — the stable ranking spec.md §4.5/§8 requires.
func rank(candidates []*models.UpstreamAccount) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.LastUsedAt.Equal(b.LastUsedAt) {
			return a.LastUsedAt.Before(b.LastUsedAt)
		}
		return a.ID < b.ID
	})
}
