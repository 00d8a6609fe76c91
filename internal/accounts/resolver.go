package accounts

import (
	"context"
	"fmt"
	"sync"

	"github.com/coldbell/dex/bundler/internal/bundle"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
)

type Kind uint8

const (
	KindNative Kind = iota
	KindAssociated
	KindEphemeral
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindAssociated:
		return "associated"
	case KindEphemeral:
		return "ephemeral"
	case KindRaw:
		return "raw"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Handle names a ledger account that may not exist yet.
type Handle struct {
	Address solana.PublicKey
	Mint    solana.PublicKey
	Kind    Kind
}

type Prober interface {
	AccountExists(ctx context.Context, address solana.PublicKey) (bool, error)
}

// ResolutionError reports a failed existence probe. It is never produced for
// an account that simply does not exist.
type ResolutionError struct {
	Owner   solana.PublicKey
	Mint    solana.PublicKey
	Address solana.PublicKey
	Err     error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve token account %s (owner=%s mint=%s): %v", e.Address, e.Owner, e.Mint, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

func IsNativeMint(mint solana.PublicKey) bool {
	return mint.Equals(solana.WrappedSol)
}

type Resolver struct {
	prober Prober
}

func NewResolver(prober Prober) *Resolver {
	return &Resolver{prober: prober}
}

// Resolve returns the token account of owner for mint, plus a creation
// bundle paid by payer when the associated account does not exist yet.
func (r *Resolver) Resolve(ctx context.Context, owner, payer, mint solana.PublicKey) (bundle.Bundle, Handle, error) {
	if IsNativeMint(mint) {
		return bundle.Bundle{}, Handle{Address: owner, Mint: mint, Kind: KindNative}, nil
	}

	address, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return bundle.Bundle{}, Handle{}, fmt.Errorf("derive associated token address (owner=%s mint=%s): %w", owner, mint, err)
	}
	handle := Handle{Address: address, Mint: mint, Kind: KindAssociated}

	exists, err := r.prober.AccountExists(ctx, address)
	if err != nil {
		return bundle.Bundle{}, Handle{}, &ResolutionError{Owner: owner, Mint: mint, Address: address, Err: err}
	}
	if exists {
		return bundle.Bundle{}, handle, nil
	}

	createIx, err := associatedtokenaccount.NewCreateInstruction(payer, owner, mint).ValidateAndBuild()
	if err != nil {
		return bundle.Bundle{}, Handle{}, fmt.Errorf("build create associated token account instruction: %w", err)
	}
	return bundle.New([]solana.Instruction{createIx}), handle, nil
}

// Scope returns a resolver that remembers what it has planned to create
// within one action, so the same account is never created twice in a bundle.
func (r *Resolver) Scope() *Scope {
	return &Scope{resolver: r, planned: make(map[scopeKey]Handle)}
}

type scopeKey struct {
	owner solana.PublicKey
	mint  solana.PublicKey
}

type Scope struct {
	resolver *Resolver

	mu      sync.Mutex
	planned map[scopeKey]Handle
}

func (s *Scope) Resolve(ctx context.Context, owner, payer, mint solana.PublicKey) (bundle.Bundle, Handle, error) {
	key := scopeKey{owner: owner, mint: mint}

	s.mu.Lock()
	handle, ok := s.planned[key]
	s.mu.Unlock()
	if ok {
		return bundle.Bundle{}, handle, nil
	}

	fragment, handle, err := s.resolver.Resolve(ctx, owner, payer, mint)
	if err != nil {
		return bundle.Bundle{}, Handle{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.planned[key]; ok {
		return bundle.Bundle{}, existing, nil
	}
	s.planned[key] = handle
	return fragment, handle, nil
}
