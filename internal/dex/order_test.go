package dex

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderIDRoundTripsDecimal(t *testing.T) {
	raw := "340282366920938463463374607431768211455"

	id, err := ParseOrderID(raw)
	require.NoError(t, err)

	assert.Equal(t, raw, id.String())
	for _, b := range id {
		assert.Equal(t, byte(0xff), b)
	}
}

func TestOrderIDIsLittleEndian(t *testing.T) {
	id, err := ParseOrderID("258")
	require.NoError(t, err)

	assert.Equal(t, byte(2), id[0])
	assert.Equal(t, byte(1), id[1])
	assert.Equal(t, byte(0), id[15])
}

func TestParseOrderIDRejectsOutOfRange(t *testing.T) {
	for _, raw := range []string{"", "-1", "abc", "340282366920938463463374607431768211456"} {
		_, err := ParseOrderID(raw)
		assert.Error(t, err, raw)
	}
}

func TestUIToNativeRounds(t *testing.T) {
	native, err := UIToNative(1.2345678, 6)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_234_568), native)

	_, err = UIToNative(-1, 6)
	assert.Error(t, err)
}

func TestParseSide(t *testing.T) {
	side, err := ParseSide("Sell")
	require.NoError(t, err)
	assert.Equal(t, SideSell, side)

	_, err = ParseSide("hold")
	assert.Error(t, err)
}

func TestMarginAccountPDAIsDeterministic(t *testing.T) {
	program := solana.MustPublicKeyFromBase58("mv3ekLzLbnVPNxjSKvqBpU3ZeZXPQdEC3bp5MDEBG68")
	group := solana.MustPublicKeyFromBase58("98pjRuQjK3qA6gXts96PqZT4Ze5QmnCmt3QYjhbUSPue")
	owner := solana.MustPublicKeyFromBase58("9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM")

	first := MustDeriveMarginAccountPDA(program, group, owner, 0)
	second := MustDeriveMarginAccountPDA(program, group, owner, 0)
	other := MustDeriveMarginAccountPDA(program, group, owner, 1)

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
}

func TestFindVaultSignerNonceMatchesDerivation(t *testing.T) {
	program := solana.MustPublicKeyFromBase58("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
	market := solana.MustPublicKeyFromBase58("9wFFyRfZBsuAha4YcuxcXLKwMxJR43S7fPfQLusDBzvT")

	signer, nonce, err := FindVaultSignerNonce(program, market)
	require.NoError(t, err)

	derived, err := DeriveVaultSigner(program, market, nonce)
	require.NoError(t, err)
	assert.Equal(t, signer, derived)
}
