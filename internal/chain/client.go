// Package chain wraps the Solana RPC endpoint used to read program state and
// to submit signed bundles.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coldbell/dex/bundler/internal/bundle"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

const defaultConfirmPollInterval = 700 * time.Millisecond

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrMissingSigningKey = errors.New("missing signing key")
	ErrEmptyBundle       = errors.New("empty bundle")
)

type Config struct {
	RPCURL                        string
	Commitment                    rpc.CommitmentType
	SkipPreflight                 bool
	MaxRetries                    *uint
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
	TxTimeout                     time.Duration
	ConfirmPollInterval           time.Duration
	RequestsPerSecond             float64
	RequestBurst                  int
}

type KeyedAccount struct {
	Address solana.PublicKey
	Data    []byte
}

// Client is safe for concurrent use. Every RPC call waits on a shared token
// bucket first.
type Client struct {
	cfg     Config
	rpc     *rpc.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = defaultConfirmPollInterval
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.RequestBurst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		cfg:     cfg,
		rpc:     rpc.New(cfg.RPCURL),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

func (c *Client) Commitment() rpc.CommitmentType {
	return c.cfg.Commitment
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rpc rate limit: %w", err)
	}
	return nil
}

func (c *Client) AccountExists(ctx context.Context, address solana.PublicKey) (bool, error) {
	_, err := c.AccountData(ctx, address)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) AccountData(ctx context.Context, address solana.PublicKey) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.rpc.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Commitment: c.cfg.Commitment,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	if err != nil {
		return nil, fmt.Errorf("get account info %s: %w", address, err)
	}
	if out == nil || out.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return out.Value.Data.GetBinary(), nil
}

// MultipleAccountData keeps the order of addresses; missing accounts come
// back as nil entries.
func (c *Client) MultipleAccountData(ctx context.Context, addresses []solana.PublicKey) ([][]byte, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.rpc.GetMultipleAccountsWithOpts(ctx, addresses, &rpc.GetMultipleAccountsOpts{
		Commitment: c.cfg.Commitment,
	})
	if err != nil {
		return nil, fmt.Errorf("get multiple accounts: %w", err)
	}
	if out == nil || len(out.Value) != len(addresses) {
		return nil, fmt.Errorf("get multiple accounts: unexpected result length")
	}

	data := make([][]byte, len(addresses))
	for i, account := range out.Value {
		if account == nil {
			continue
		}
		data[i] = account.Data.GetBinary()
	}
	return data, nil
}

func (c *Client) ProgramAccounts(ctx context.Context, programID solana.PublicKey, filters []rpc.RPCFilter) ([]KeyedAccount, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.rpc.GetProgramAccountsWithOpts(ctx, programID, &rpc.GetProgramAccountsOpts{
		Commitment: c.cfg.Commitment,
		Filters:    filters,
	})
	if err != nil {
		return nil, fmt.Errorf("get program accounts %s: %w", programID, err)
	}

	accounts := make([]KeyedAccount, 0, len(out))
	for _, keyed := range out {
		if keyed == nil || keyed.Account == nil {
			continue
		}
		accounts = append(accounts, KeyedAccount{
			Address: keyed.Pubkey,
			Data:    keyed.Account.Data.GetBinary(),
		})
	}
	return accounts, nil
}

func (c *Client) RentExemption(ctx context.Context, size uint64) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	lamports, err := c.rpc.GetMinimumBalanceForRentExemption(ctx, size, c.cfg.Commitment)
	if err != nil {
		return 0, fmt.Errorf("get rent exemption for %d bytes: %w", size, err)
	}
	return lamports, nil
}

// Submit signs b with the keys it carries, sends it and waits until the
// cluster reports it confirmed. Every signer of b must hold its private key.
func (c *Client) Submit(ctx context.Context, b bundle.Bundle) (solana.Signature, error) {
	if c.cfg.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.TxTimeout)
		defer cancel()
	}

	if err := c.wait(ctx); err != nil {
		return solana.Signature{}, err
	}
	recent, err := c.rpc.GetLatestBlockhash(ctx, c.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := c.BuildTransaction(b, recent.Value.Blockhash)
	if err != nil {
		return solana.Signature{}, err
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       c.cfg.SkipPreflight,
		PreflightCommitment: c.cfg.Commitment,
	}
	if c.cfg.MaxRetries != nil {
		retries := *c.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	if err := c.wait(ctx); err != nil {
		return solana.Signature{}, err
	}
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}

	if err := c.waitForConfirmation(ctx, sig); err != nil {
		return sig, fmt.Errorf("confirm transaction %s: %w", sig, err)
	}
	return sig, nil
}

// BuildTransaction prefixes the compute budget instructions, sets the first
// signer of b as fee payer and signs with every key of b.
func (c *Client) BuildTransaction(b bundle.Bundle, blockhash solana.Hash) (*solana.Transaction, error) {
	if b.Empty() {
		return nil, ErrEmptyBundle
	}
	payer, ok := b.Primary()
	if !ok {
		return nil, fmt.Errorf("%w: bundle has no signers", ErrMissingSigningKey)
	}
	keys := make(map[solana.PublicKey]solana.PrivateKey, len(b.Signers))
	for _, signer := range b.Signers {
		if !signer.HasKey() {
			return nil, fmt.Errorf("%w: %s", ErrMissingSigningKey, signer.PublicKey)
		}
		keys[signer.PublicKey] = signer.PrivateKey
	}

	instructions, err := c.withComputeBudget(b.Instructions)
	if err != nil {
		return nil, err
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(payer.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if privateKey, ok := keys[key]; ok {
			return &privateKey
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}

func (c *Client) withComputeBudget(main []solana.Instruction) ([]solana.Instruction, error) {
	instructions := make([]solana.Instruction, 0, len(main)+2)
	if c.cfg.ComputeUnitLimit > 0 {
		cuLimitIx, err := computebudget.NewSetComputeUnitLimitInstruction(c.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		instructions = append(instructions, cuLimitIx)
	}
	if c.cfg.ComputeUnitPriceMicroLamports > 0 {
		cuPriceIx, err := computebudget.NewSetComputeUnitPriceInstruction(c.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		instructions = append(instructions, cuPriceIx)
	}
	return append(instructions, main...), nil
}

func (c *Client) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(c.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.wait(ctx); err != nil {
				return err
			}
			result, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				c.logger.Debug("signature status poll failed", "signature", sig, "err", err)
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}
