// Package destructive issues the single-use capabilities that reset,
// delete-by-query and replace-restore require before they run.
//
// A caller first Requests a token describing the operation and scope, then
// Confirms the token to obtain an *Operation. Stores call Authorize on that
// value; it succeeds once, for the exact operation and scope it was issued for.
package destructive

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/starford/mneme/internal/apperr"
	"github.com/starford/mneme/internal/models"
)

// Kind names a destructive operation.
type Kind string

const (
	Reset          Kind = "reset"
	DeleteByQuery  Kind = "delete_by_query"
	RestoreReplace Kind = "restore_replace"
)

// ParseKind validates s.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Reset, DeleteByQuery, RestoreReplace:
		return Kind(s), nil
	}
	return "", apperr.Validation("destructive.parse", "unknown operation %q", s)
}

// DefaultTTL is how long a requested token stays confirmable.
const DefaultTTL = 2 * time.Minute

// Ticket is handed back by Request.
type Ticket struct {
	Token     string       `json:"token"`
	Kind      Kind         `json:"operation"`
	Scope     models.Scope `json:"scope"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// Operation is the confirmed capability.
type Operation struct {
	kind  Kind
	scope models.Scope
	used  atomic.Bool
}

// Kind returns the operation kind.
func (o *Operation) Kind() Kind { return o.kind }

// Scope returns the scope the operation was confirmed for.
func (o *Operation) Scope() models.Scope { return o.scope }

// Authorize consumes o for kind on scope.
func (o *Operation) Authorize(kind Kind, scope models.Scope) error {
	op := "destructive." + string(kind)
	if o == nil {
		return apperr.ConfirmationRequired(op).WithScope(string(scope))
	}
	if o.kind != kind || o.scope != scope {
		return &apperr.Error{
			Kind:  apperr.KindConfirmationRequired,
			Op:    op,
			Scope: string(scope),
			Err:   fmt.Errorf("capability issued for %s on %s", o.kind, o.scope),
		}
	}
	if !o.used.CompareAndSwap(false, true) {
		return &apperr.Error{
			Kind:  apperr.KindConfirmationRequired,
			Op:    op,
			Scope: string(scope),
			Err:   fmt.Errorf("capability already used"),
		}
	}
	return nil
}

// Guard tracks outstanding tokens.
type Guard struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pending map[string]Ticket
}

// NewGuard returns a Guard whose tokens expire after ttl.
func NewGuard(ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{ttl: ttl, now: time.Now, pending: make(map[string]Ticket)}
}

// Request registers a pending operation and returns its ticket.
func (g *Guard) Request(kind Kind, scope models.Scope) (Ticket, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return Ticket{}, err
	}
	if _, err := models.ParseScope(string(scope), false); err != nil {
		return Ticket{}, apperr.Validation("destructive.request", "%v", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireLocked()

	t := Ticket{
		Token:     uuid.NewString(),
		Kind:      kind,
		Scope:     scope,
		ExpiresAt: g.now().Add(g.ttl),
	}
	g.pending[t.Token] = t
	return t, nil
}

// Confirm redeems token. Each token can be confirmed once.
func (g *Guard) Confirm(token string) (*Operation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireLocked()

	t, ok := g.pending[token]
	if !ok {
		return nil, &apperr.Error{
			Kind: apperr.KindConfirmationRequired,
			Op:   "destructive.confirm",
			Err:  fmt.Errorf("unknown or expired token"),
		}
	}
	delete(g.pending, token)
	return &Operation{kind: t.Kind, scope: t.Scope}, nil
}

func (g *Guard) expireLocked() {
	now := g.now()
	for tok, t := range g.pending {
		if now.After(t.ExpiresAt) {
			delete(g.pending, tok)
		}
	}
}
