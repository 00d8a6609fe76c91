// Package wrapped manages temporary wrapped-SOL token accounts that live for
// exactly one bundle: created and funded before the consuming instruction and
// closed back to the owner right after it.
package wrapped

import (
	"errors"
	"fmt"
	"math"

	"github.com/coldbell/dex/bundler/internal/accounts"
	"github.com/coldbell/dex/bundler/internal/bundle"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

const (
	TokenAccountSize  = uint64(165)
	DefaultRentBuffer = uint64(10_000_000)
)

var ErrInvalidQuantity = errors.New("invalid wrap quantity")

type Manager struct {
	rentBuffer uint64
	newKey     func() (solana.PrivateKey, error)
}

type Option func(*Manager)

func WithRentBuffer(lamports uint64) Option {
	return func(m *Manager) { m.rentBuffer = lamports }
}

func WithKeySource(newKey func() (solana.PrivateKey, error)) Option {
	return func(m *Manager) { m.newKey = newKey }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		rentBuffer: DefaultRentBuffer,
		newKey:     solana.NewRandomPrivateKey,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap carries the create, fund and close instructions of one ephemeral
// account together. The zero value is an inactive wrap.
type Wrap struct {
	account   solana.PublicKey
	ephemeral *solana.PrivateKey
	lamports  uint64
	pre       []solana.Instruction
	teardown  []solana.Instruction
}

// WrapIfNeeded wraps native balance when mint is wrapped SOL and target is the
// owner's own address. In every other case it returns an inactive Wrap whose
// Account is target.
func (m *Manager) WrapIfNeeded(owner, mint, target solana.PublicKey, quantity float64) (Wrap, error) {
	if !accounts.IsNativeMint(mint) || !target.Equals(owner) {
		return Wrap{account: target}, nil
	}
	if quantity < 0 || math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		return Wrap{}, fmt.Errorf("%w: %v", ErrInvalidQuantity, quantity)
	}

	lamports, err := m.fundedLamports(quantity)
	if err != nil {
		return Wrap{}, err
	}

	key, err := m.newKey()
	if err != nil {
		return Wrap{}, fmt.Errorf("generate ephemeral keypair: %w", err)
	}
	address := key.PublicKey()

	createIx, err := system.NewCreateAccountInstruction(lamports, TokenAccountSize, solana.TokenProgramID, owner, address).ValidateAndBuild()
	if err != nil {
		return Wrap{}, fmt.Errorf("build create ephemeral account instruction: %w", err)
	}
	initIx, err := token.NewInitializeAccountInstruction(address, solana.WrappedSol, owner, solana.SysVarRentPubkey).ValidateAndBuild()
	if err != nil {
		return Wrap{}, fmt.Errorf("build initialize wrapped account instruction: %w", err)
	}
	closeIx, err := token.NewCloseAccountInstruction(address, owner, owner, []solana.PublicKey{}).ValidateAndBuild()
	if err != nil {
		return Wrap{}, fmt.Errorf("build close wrapped account instruction: %w", err)
	}

	return Wrap{
		account:   address,
		ephemeral: &key,
		lamports:  lamports,
		pre:       []solana.Instruction{createIx, initIx},
		teardown:  []solana.Instruction{closeIx},
	}, nil
}

func (m *Manager) fundedLamports(quantity float64) (uint64, error) {
	native := math.Round(quantity * float64(solana.LAMPORTS_PER_SOL))
	if native > float64(math.MaxUint64-m.rentBuffer) {
		return 0, fmt.Errorf("%w: %v overflows lamports", ErrInvalidQuantity, quantity)
	}
	return uint64(native) + m.rentBuffer, nil
}

func (w Wrap) Active() bool {
	return w.ephemeral != nil
}

// Account is the token account the consuming instruction must reference.
func (w Wrap) Account() solana.PublicKey {
	return w.account
}

func (w Wrap) Lamports() uint64 {
	return w.lamports
}

// Around returns pre ++ main ++ teardown with the ephemeral key added to the
// signers. An active wrap with nothing to consume it panics.
func (w Wrap) Around(main bundle.Bundle) bundle.Bundle {
	if !w.Active() {
		return main
	}
	if main.Empty() {
		panic(fmt.Sprintf("wrapped: ephemeral account %s has no consuming instruction", w.account))
	}
	return bundle.Merge(
		bundle.New(w.pre, bundle.KeySigner(*w.ephemeral)),
		main,
		bundle.New(w.teardown),
	)
}
