// Package bundle composes ordered instruction fragments and their signers into
// a single unit that is submitted atomically.
package bundle

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Signer is a keypair identity required by at least one instruction of a
// bundle. PrivateKey is nil for identities that sign outside this process,
// typically the wallet owner of a client-initiated action.
type Signer struct {
	PublicKey  solana.PublicKey
	PrivateKey solana.PrivateKey
}

func KeySigner(key solana.PrivateKey) Signer {
	return Signer{PublicKey: key.PublicKey(), PrivateKey: key}
}

func ExternalSigner(pubkey solana.PublicKey) Signer {
	return Signer{PublicKey: pubkey}
}

func (s Signer) HasKey() bool {
	return len(s.PrivateKey) > 0
}

// Bundle is an ordered instruction sequence plus the signer set that
// authorizes it. The zero value is a valid no-op bundle.
type Bundle struct {
	Instructions []solana.Instruction
	Signers      []Signer
}

// New builds a single fragment. A fragment naming the same signer identity
// twice is a builder bug and panics.
func New(instructions []solana.Instruction, signers ...Signer) Bundle {
	seen := make(map[solana.PublicKey]struct{}, len(signers))
	for _, signer := range signers {
		if _, ok := seen[signer.PublicKey]; ok {
			panic(fmt.Sprintf("bundle: duplicate signer %s in fragment", signer.PublicKey))
		}
		seen[signer.PublicKey] = struct{}{}
	}
	return Bundle{
		Instructions: append([]solana.Instruction(nil), instructions...),
		Signers:      append([]Signer(nil), signers...),
	}
}

// Merge concatenates fragments in argument order. Signers are unioned by
// public key; the first occurrence of an identity wins.
func Merge(parts ...Bundle) Bundle {
	var (
		instructionCount int
		signerCount      int
	)
	for _, part := range parts {
		instructionCount += len(part.Instructions)
		signerCount += len(part.Signers)
	}

	out := Bundle{
		Instructions: make([]solana.Instruction, 0, instructionCount),
		Signers:      make([]Signer, 0, signerCount),
	}
	seen := make(map[solana.PublicKey]struct{}, signerCount)
	for _, part := range parts {
		out.Instructions = append(out.Instructions, part.Instructions...)
		for _, signer := range part.Signers {
			if _, ok := seen[signer.PublicKey]; ok {
				continue
			}
			seen[signer.PublicKey] = struct{}{}
			out.Signers = append(out.Signers, signer)
		}
	}
	return out
}

// WithPrimary returns a copy of b whose signer list starts with primary.
// Any later entry with the same identity is dropped. The chain treats the
// first signer as fee payer.
func (b Bundle) WithPrimary(primary Signer) Bundle {
	signers := make([]Signer, 0, len(b.Signers)+1)
	signers = append(signers, primary)
	for _, signer := range b.Signers {
		if signer.PublicKey.Equals(primary.PublicKey) {
			if !primary.HasKey() && signer.HasKey() {
				signers[0] = signer
			}
			continue
		}
		signers = append(signers, signer)
	}
	return Bundle{
		Instructions: append([]solana.Instruction(nil), b.Instructions...),
		Signers:      signers,
	}
}

func (b Bundle) Empty() bool {
	return len(b.Instructions) == 0
}

func (b Bundle) Primary() (Signer, bool) {
	if len(b.Signers) == 0 {
		return Signer{}, false
	}
	return b.Signers[0], true
}

// MustValidate panics when the signer set carries a duplicate identity.
func (b Bundle) MustValidate() {
	seen := make(map[solana.PublicKey]struct{}, len(b.Signers))
	for _, signer := range b.Signers {
		if _, ok := seen[signer.PublicKey]; ok {
			panic(fmt.Sprintf("bundle: duplicate signer %s", signer.PublicKey))
		}
		seen[signer.PublicKey] = struct{}{}
	}
	for i, instruction := range b.Instructions {
		if instruction == nil {
			panic(fmt.Sprintf("bundle: nil instruction at position %d", i))
		}
	}
}

// Keys returns the in-process private keys in signer order.
func (b Bundle) Keys() []solana.PrivateKey {
	keys := make([]solana.PrivateKey, 0, len(b.Signers))
	for _, signer := range b.Signers {
		if signer.HasKey() {
			keys = append(keys, signer.PrivateKey)
		}
	}
	return keys
}
