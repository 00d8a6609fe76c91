package accounts

import (
	"fmt"

	"github.com/coldbell/dex/bundler/internal/bundle"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// NewRawAccount generates a fresh keypair and the create-account instruction
// that allocates it under programID. The keypair is returned as a signer of
// the fragment.
func NewRawAccount(payer solana.PublicKey, space, lamports uint64, programID solana.PublicKey) (bundle.Bundle, Handle, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return bundle.Bundle{}, Handle{}, fmt.Errorf("generate account keypair: %w", err)
	}
	return rawAccountFromKey(key, payer, space, lamports, programID)
}

func rawAccountFromKey(key solana.PrivateKey, payer solana.PublicKey, space, lamports uint64, programID solana.PublicKey) (bundle.Bundle, Handle, error) {
	address := key.PublicKey()
	createIx, err := system.NewCreateAccountInstruction(lamports, space, programID, payer, address).ValidateAndBuild()
	if err != nil {
		return bundle.Bundle{}, Handle{}, fmt.Errorf("build create account instruction for %s: %w", address, err)
	}
	return bundle.New([]solana.Instruction{createIx}, bundle.KeySigner(key)), Handle{Address: address, Kind: KindRaw}, nil
}
