package actions

import (
	"context"
	"fmt"

	"github.com/coldbell/dex/bundler/internal/accounts"
	"github.com/coldbell/dex/bundler/internal/bundle"
	"github.com/coldbell/dex/bundler/internal/dex"
	"github.com/coldbell/dex/bundler/internal/mango"
	"github.com/coldbell/dex/bundler/internal/wrapped"
	"github.com/gagliardetto/solana-go"
)

type lendingBuilder struct {
	unsupported
	mango    *mango.Client
	resolver *accounts.Resolver
	wraps    *wrapped.Manager
}

type lendingAsset struct {
	group    *mango.Group
	index    int
	decimals uint8
	bank     mango.BankAccounts
}

func (b *lendingBuilder) loadAsset(ctx context.Context, mint solana.PublicKey) (lendingAsset, error) {
	group, err := b.mango.LoadGroup(ctx)
	if err != nil {
		return lendingAsset{}, err
	}
	index, err := group.TokenIndex(mint)
	if err != nil {
		return lendingAsset{}, unknownAsset(err)
	}
	bank, err := b.mango.LoadBank(ctx, group, index)
	if err != nil {
		return lendingAsset{}, err
	}
	return lendingAsset{group: group, index: index, decimals: group.Tokens[index].Decimals, bank: bank}, nil
}

// Deposit moves tokens from the owner's wallet into a margin account. An
// owner without margin accounts gets account #0 created in the same bundle.
func (b *lendingBuilder) Deposit(ctx context.Context, p DepositParams) ([]bundle.Bundle, error) {
	asset, err := b.loadAsset(ctx, p.Mint)
	if err != nil {
		return nil, err
	}

	owned, err := b.mango.LoadMarginAccountsForOwner(ctx, p.Owner)
	if err != nil {
		return nil, err
	}

	var (
		marginAccount solana.PublicKey
		creation      bundle.Bundle
	)
	switch {
	case len(owned) == 0:
		marginAccount, _, err = dex.DeriveMarginAccountPDA(b.mango.ProgramID, asset.group.Address, p.Owner, 0)
		if err != nil {
			return nil, fmt.Errorf("derive margin account: %w", err)
		}
		creation = bundle.New([]solana.Instruction{
			mango.NewCreateMangoAccountInstruction(b.mango.ProgramID, asset.group.Address, marginAccount, p.Owner, p.Owner, 0),
		})
	case p.Destination.IsZero():
		return nil, ErrMissingDestination
	default:
		found := false
		for _, account := range owned {
			if account.Address.Equals(p.Destination) {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s is not owned by %s", ErrOwnershipMismatch, p.Destination, p.Owner)
		}
		marginAccount = p.Destination
	}

	native, err := dex.UIToNative(p.Quantity, asset.decimals)
	if err != nil {
		return nil, err
	}

	scope := b.resolver.Scope()
	source, handle, err := scope.Resolve(ctx, p.Owner, p.Owner, p.Mint)
	if err != nil {
		return nil, err
	}
	wrap, err := b.wraps.WrapIfNeeded(p.Owner, p.Mint, handle.Address, p.Quantity)
	if err != nil {
		return nil, err
	}

	deposit := bundle.New([]solana.Instruction{
		mango.NewDepositInstruction(b.mango.ProgramID, asset.group.Address, asset.group.Cache, marginAccount, p.Owner, asset.bank, wrap.Account(), native),
	})
	return single(bundle.Merge(source, creation, wrap.Around(deposit))), nil
}

// Withdraw moves tokens out of a margin account. IsBorrow lets the program
// borrow against collateral when the balance is insufficient.
func (b *lendingBuilder) Withdraw(ctx context.Context, p WithdrawParams) ([]bundle.Bundle, error) {
	if p.MarginAccount.IsZero() {
		return nil, ErrMissingMarginAccount
	}
	asset, err := b.loadAsset(ctx, p.Mint)
	if err != nil {
		return nil, err
	}
	account, err := loadOwnedMarginAccount(ctx, b.mango, p.MarginAccount, p.Owner)
	if err != nil {
		return nil, err
	}

	native, err := dex.UIToNative(p.Quantity, asset.decimals)
	if err != nil {
		return nil, err
	}

	scope := b.resolver.Scope()
	destination, handle, err := scope.Resolve(ctx, p.Owner, p.Owner, p.Mint)
	if err != nil {
		return nil, err
	}
	wrap, err := b.wraps.WrapIfNeeded(p.Owner, p.Mint, handle.Address, 0)
	if err != nil {
		return nil, err
	}

	withdraw := bundle.New([]solana.Instruction{
		mango.NewWithdrawInstruction(
			b.mango.ProgramID,
			asset.group.Address,
			asset.group.Cache,
			asset.group.SignerKey,
			account.Address,
			p.Owner,
			asset.bank,
			wrap.Account(),
			account.SpotOpenOrders,
			native,
			p.IsBorrow,
		),
	})
	return single(bundle.Merge(destination, wrap.Around(withdraw))), nil
}

// loadOwnedMarginAccount loads address and checks it belongs to owner.
func loadOwnedMarginAccount(ctx context.Context, client *mango.Client, address, owner solana.PublicKey) (*mango.MarginAccount, error) {
	if address.IsZero() {
		return nil, ErrMissingMarginAccount
	}
	account, err := client.LoadMarginAccount(ctx, address)
	if err != nil {
		return nil, err
	}
	if !account.Owner.Equals(owner) {
		return nil, fmt.Errorf("%w: %s is not owned by %s", ErrOwnershipMismatch, address, owner)
	}
	return account, nil
}
