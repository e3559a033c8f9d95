/*
registry.go - Account registry and the cached-balance funnel

PURPOSE:
  Owns account identity and metadata. It is also the ONLY place where an
  account's CachedBalance is written. Business handlers never touch it:
  they append entries, and the Calculator or Auditor refreshes the cache.

CONCURRENCY:
  Two layers protect the cached balance from lost updates:
  1. A per-account mutex serializes writers inside this process.
  2. The store write is version-checked (compare-and-set on Version), so a
     writer in another process that got there first is detected.
  On a version conflict the write is re-read and re-applied, up to
  MaxRetries times, before ConcurrentUpdateError is surfaced.

  Reads never take the per-account mutex.
*/
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/logging"
)

const DefaultMaxRetries = 3

type Registry struct {
	Store      AccountStore
	MaxRetries int
	Now        func() time.Time
	Log        zerolog.Logger

	locks sync.Map // AccountID -> *sync.Mutex
}

func NewRegistry(store AccountStore) *Registry {
	return &Registry{
		Store:      store,
		MaxRetries: DefaultMaxRetries,
		Now:        func() time.Time { return time.Now().UTC() },
		Log:        logging.WithComponent("registry"),
	}
}

// CreateAccount registers a new account. The initial balance is fixed for
// the life of the account.
func (r *Registry) CreateAccount(ctx context.Context, in NewAccount) (Account, error) {
	if !in.Kind.Valid() {
		return Account{}, invalid("kind", "unknown account kind %q", in.Kind)
	}
	if in.InitialBalance.IsNegative() && in.Kind != KindChartNode {
		return Account{}, invalid("initial_balance", "%s cannot start negative", in.Kind)
	}
	if in.ParentID != "" {
		parent, err := r.Store.GetAccount(ctx, in.ParentID)
		if errors.Is(err, ErrAccountNotFound) {
			return Account{}, invalid("parent_id", "unknown chart node %s", in.ParentID)
		}
		if err != nil {
			return Account{}, err
		}
		if parent.Kind != KindChartNode {
			return Account{}, invalid("parent_id", "%s is a %s, not a chart node", in.ParentID, parent.Kind)
		}
	}

	id := in.ID
	if id == "" {
		id = AccountID(uuid.NewString())
	}
	name := in.Name
	if name == "" {
		name = string(id)
	}

	now := r.now()
	acct := Account{
		ID:             id,
		Kind:           in.Kind,
		Name:           name,
		InitialBalance: in.InitialBalance,
		CachedBalance:  in.InitialBalance,
		ParentID:       in.ParentID,
		Active:         true,
		CreatedAt:      now,
		RefreshedAt:    now,
	}
	if err := r.Store.InsertAccount(ctx, acct); err != nil {
		return Account{}, err
	}

	r.Log.Info().
		Str("account_id", string(acct.ID)).
		Str("kind", string(acct.Kind)).
		Str("initial_balance", acct.InitialBalance.String()).
		Msg("account created")
	return acct, nil
}

func (r *Registry) GetAccount(ctx context.Context, id AccountID) (Account, error) {
	return r.Store.GetAccount(ctx, id)
}

// ListActiveAccounts returns active accounts, optionally of a single kind.
func (r *Registry) ListActiveAccounts(ctx context.Context, kind AccountKind) ([]Account, error) {
	if kind != "" && !kind.Valid() {
		return nil, invalid("kind", "unknown account kind %q", kind)
	}
	return r.Store.ListAccounts(ctx, AccountFilter{Kind: kind, ActiveOnly: true})
}

// ListChildren returns every account (active or not) whose parent is the
// given chart node.
func (r *Registry) ListChildren(ctx context.Context, chartNodeID AccountID) ([]Account, error) {
	return r.Store.ListAccounts(ctx, AccountFilter{ParentID: chartNodeID})
}

// Deactivate hides an account from ListActiveAccounts and from new postings.
// History and balances are kept.
func (r *Registry) Deactivate(ctx context.Context, id AccountID) error {
	if _, err := r.Store.GetAccount(ctx, id); err != nil {
		return err
	}
	return r.Store.SetActive(ctx, id, false)
}

// SetCachedBalance stores amount as the account's cached balance.
func (r *Registry) SetCachedBalance(ctx context.Context, id AccountID, amount decimal.Decimal) (Account, error) {
	return r.setCachedBalance(ctx, id, func(context.Context, Account) (decimal.Decimal, error) {
		return amount, nil
	})
}

// setCachedBalance runs derive and persists its result inside the account's
// critical section. derive is re-run on every retry so the written value is
// never computed from a stale read.
func (r *Registry) setCachedBalance(ctx context.Context, id AccountID, derive func(context.Context, Account) (decimal.Decimal, error)) (Account, error) {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 1; ; attempt++ {
		acct, err := r.Store.GetAccount(ctx, id)
		if err != nil {
			return Account{}, err
		}
		balance, err := derive(ctx, acct)
		if err != nil {
			return Account{}, err
		}

		updated, err := r.Store.UpdateCachedBalance(ctx, id, balance, acct.Version, r.now())
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return Account{}, err
		}
		if attempt > r.MaxRetries {
			return Account{}, &ConcurrentUpdateError{AccountID: id, Attempts: attempt}
		}
		r.Log.Debug().
			Str("account_id", string(id)).
			Int("attempt", attempt).
			Msg("cached balance version conflict, retrying")
		if err := ctx.Err(); err != nil {
			return Account{}, err
		}
	}
}

func (r *Registry) lockFor(id AccountID) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (r *Registry) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now()
}
