package dex

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// DeriveMarginAccountPDA derives the margin account created by
// CreateMangoAccount for (group, owner, accountNum).
func DeriveMarginAccountPDA(mangoProgramID, group, owner solana.PublicKey, accountNum uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{group.Bytes(), owner.Bytes(), u64LE(accountNum)}, mangoProgramID)
}

// DeriveVaultSigner returns the authority of a DEX market's vaults. The nonce
// is the one stored in the market state.
func DeriveVaultSigner(dexProgramID, market solana.PublicKey, nonce uint64) (solana.PublicKey, error) {
	return solana.CreateProgramAddress([][]byte{market.Bytes(), u64LE(nonce)}, dexProgramID)
}

// FindVaultSignerNonce searches the first nonce producing a valid vault
// signer for a market that does not exist yet.
func FindVaultSignerNonce(dexProgramID, market solana.PublicKey) (solana.PublicKey, uint64, error) {
	for nonce := uint64(0); nonce < 256; nonce++ {
		signer, err := DeriveVaultSigner(dexProgramID, market, nonce)
		if err == nil {
			return signer, nonce, nil
		}
	}
	return solana.PublicKey{}, 0, fmt.Errorf("no vault signer nonce for market %s", market)
}

func U64LEToBytes(value uint64) []byte {
	return u64LE(value)
}

func MustDeriveMarginAccountPDA(mangoProgramID, group, owner solana.PublicKey, accountNum uint64) solana.PublicKey {
	pk, _, err := DeriveMarginAccountPDA(mangoProgramID, group, owner, accountNum)
	if err != nil {
		panic(fmt.Errorf("derive margin account PDA: %w", err))
	}
	return pk
}

func u64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}
