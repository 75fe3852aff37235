package consensus

import (
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactToTargetKnownValues(t *testing.T) {
	// The mainnet genesis block's bits, 0x1d00ffff, decodes to the
	// well-known genesis target.
	target, err := CompactToTarget(0x1d00ffff)
	require.NoError(t, err)

	want := new(big.Int).Lsh(big.NewInt(0x00ffff), 8*(0x1d-3))
	assert.Equal(t, want.String(), target.ToBig().String())
}

func TestCompactToTargetRejectsNegativeMantissa(t *testing.T) {
	_, err := CompactToTarget(0x01800000)
	assert.Error(t, err)
}

func TestCompactToTargetRejectsOversizedExponent(t *testing.T) {
	_, err := CompactToTarget(0xff123456)
	assert.Error(t, err)
}

func TestWorkIncreasesAsTargetShrinks(t *testing.T) {
	easy, err := Work(0x1d00ffff)
	require.NoError(t, err)
	hard, err := Work(0x1c00ffff)
	require.NoError(t, err)
	assert.True(t, hard.Gt(easy), "a smaller target must represent more work")
}

func TestCheckProofOfWorkRejectsTargetAboveLimit(t *testing.T) {
	header := mainnetGenesisHeaderForTest()
	// 0x1f00ffff decodes to a target far above mainnet's proof-of-work
	// limit, so the header is rejected before its hash is compared.
	header.Bits = 0x1f00ffff
	err := CheckProofOfWork(header, chaincfg.MainNetParams.PowLimit)
	assert.Error(t, err)
}
