package tokens

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"dexcrow/core/events"
	"dexcrow/core/state"
	nativecommon "dexcrow/native/common"
	"dexcrow/storage"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	verifier = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	stranger = common.HexToAddress("0x0000000000000000000000000000000000000999")

	usdcMainnet = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	usdcPolygon = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
)

func newRegistry(t *testing.T) (*Registry, *events.Recorder) {
	t.Helper()
	reg := NewRegistry(state.NewManager(storage.NewMemDB()))
	rec := &events.Recorder{}
	reg.SetEmitter(rec)
	reg.SetNowFunc(func() int64 { return 1_700_000_000 })
	require.NoError(t, reg.Initialize(Config{Owner: owner}))
	require.NoError(t, reg.AddChain(owner, ChainInfo{ChainID: 1, Type: ChainTypeEVM, Name: "ethereum", Active: true}))
	require.NoError(t, reg.AddChain(owner, ChainInfo{ChainID: 137, Type: ChainTypeEVM, Name: "polygon", Active: true}))
	require.NoError(t, reg.AddChain(owner, ChainInfo{ChainID: 8332, Type: ChainTypeBitcoin, Name: "bitcoin", Active: true}))
	return reg, rec
}

func usdc(chainID uint64, addr string, decimals uint8) RegisterParams {
	return RegisterParams{Symbol: "usdc", Name: "USD Coin", ChainID: chainID, Address: addr, Decimals: decimals}
}

func TestRegisterTokenAcrossChains(t *testing.T) {
	reg, rec := newRegistry(t)

	tok, err := reg.RegisterToken(owner, usdc(1, usdcMainnet, 6))
	require.NoError(t, err)
	require.Equal(t, "USDC", tok.Symbol)
	require.Equal(t, TokenID("USDC"), tok.ID)
	require.Equal(t, TokenID(" usdc "), tok.ID)

	tok, err = reg.RegisterToken(owner, usdc(137, usdcPolygon, 6))
	require.NoError(t, err)
	require.Len(t, tok.Mappings, 2)

	_, err = reg.RegisterToken(owner, usdc(1, usdcMainnet, 18))
	require.ErrorIs(t, err, ErrAlreadyRegistered)
	require.ErrorIs(t, err, nativecommon.ErrReplay)

	m, err := reg.GetTokenAddress(tok.ID, 1)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(usdcMainnet).Hex(), m.Address)
	require.Equal(t, uint8(6), m.Decimals)
	require.Contains(t, rec.Types(), EventTypeTokenRegistered)
}

func TestRegisterTokenRejectsMetadataChange(t *testing.T) {
	reg, _ := newRegistry(t)
	_, err := reg.RegisterToken(owner, usdc(1, usdcMainnet, 6))
	require.NoError(t, err)

	p := usdc(137, usdcPolygon, 6)
	p.Name = "Bridged USDC"
	_, err = reg.RegisterToken(owner, p)
	require.ErrorIs(t, err, ErrMetadataMismatch)
}

func TestRegisterTokenAuthorization(t *testing.T) {
	reg, _ := newRegistry(t)

	_, err := reg.RegisterToken(stranger, usdc(1, usdcMainnet, 6))
	require.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, reg.SetVerifier(owner, verifier, true))
	tok, err := reg.RegisterToken(verifier, usdc(1, usdcMainnet, 6))
	require.NoError(t, err)

	require.ErrorIs(t, reg.VerifyToken(owner, tok.ID), ErrUnauthorized)
	require.NoError(t, reg.VerifyToken(verifier, tok.ID))
	stored, err := reg.Token(tok.ID)
	require.NoError(t, err)
	require.True(t, stored.Verified)
}

func TestRegisterTokenAddressRules(t *testing.T) {
	reg, _ := newRegistry(t)
	cases := []struct {
		name string
		p    RegisterParams
		err  error
	}{
		{"bad hex", RegisterParams{Symbol: "DAI", Name: "Dai", ChainID: 1, Address: "0x1234"}, ErrInvalidAddress},
		{"zero without native", RegisterParams{Symbol: "DAI", Name: "Dai", ChainID: 1, Address: "0x0000000000000000000000000000000000000000"}, ErrInvalidAddress},
		{"empty without native", RegisterParams{Symbol: "DAI", Name: "Dai", ChainID: 1}, ErrInvalidAddress},
		{"bad bech32", RegisterParams{Symbol: "BTC", Name: "Bitcoin", ChainID: 8332, Address: "bc1notbech32"}, ErrInvalidAddress},
		{"wrong prefix", RegisterParams{Symbol: "BTC", Name: "Bitcoin", ChainID: 8332, Address: "ltc1qg82hlpvxs5ejdm9wyrnl8yhxcv6tvsuj64uuaq"}, ErrInvalidAddress},
		{"unknown chain", RegisterParams{Symbol: "DAI", Name: "Dai", ChainID: 10, Address: usdcMainnet}, ErrUnknownChain},
		{"type mismatch", RegisterParams{Symbol: "DAI", Name: "Dai", ChainID: 1, ChainType: ChainTypeBitcoin, Address: usdcMainnet}, ErrChainTypeMismatch},
		{"empty symbol", RegisterParams{Symbol: " ", Name: "Dai", ChainID: 1, Address: usdcMainnet}, ErrInvalidSymbol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.RegisterToken(owner, tc.p)
			require.ErrorIs(t, err, tc.err)
		})
	}

	native, err := reg.RegisterToken(owner, RegisterParams{Symbol: "ETH", Name: "Ether", ChainID: 1, Decimals: 18, IsNative: true})
	require.NoError(t, err)
	asset, err := reg.LocalAsset(native.ID, 1)
	require.NoError(t, err)
	require.Equal(t, common.Address{}, asset)

	btc, err := reg.RegisterToken(owner, RegisterParams{Symbol: "WBTC", Name: "Wrapped Bitcoin", ChainID: 8332, Address: "BC1QW508D6QEJXTDG4Y5R3ZARVARY0C5XW7KV8F3T4", Decimals: 8})
	require.NoError(t, err)
	require.Equal(t, "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", btc.Mappings[0].Address)
	_, err = reg.LocalAsset(btc.ID, 8332)
	require.ErrorIs(t, err, ErrNotEVMAsset)
}

func TestGetTokenAddressNotFoundVersusInactive(t *testing.T) {
	reg, _ := newRegistry(t)
	tok, err := reg.RegisterToken(owner, usdc(1, usdcMainnet, 6))
	require.NoError(t, err)

	_, err = reg.GetTokenAddress(tok.ID, 137)
	require.ErrorIs(t, err, ErrTokenNotFound)
	_, err = reg.GetTokenAddress(TokenID("NOPE"), 1)
	require.ErrorIs(t, err, ErrTokenNotFound)

	require.ErrorIs(t, reg.DeactivateToken(stranger, tok.ID, 1), ErrUnauthorized)
	require.NoError(t, reg.DeactivateToken(owner, tok.ID, 1))
	require.ErrorIs(t, reg.DeactivateToken(owner, tok.ID, 1), ErrMappingInactive)

	m, err := reg.GetTokenAddress(tok.ID, 1)
	require.ErrorIs(t, err, ErrMappingInactive)
	require.False(t, m.Active)
	require.NotZero(t, m.DeactivatedAt)

	// history is kept, so the chain stays taken
	_, err = reg.RegisterToken(owner, usdc(1, usdcMainnet, 6))
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestChainAllowlist(t *testing.T) {
	reg, _ := newRegistry(t)
	require.True(t, reg.IsChainSupported(137))
	require.False(t, reg.IsChainSupported(10))

	require.ErrorIs(t, reg.AddChain(owner, ChainInfo{ChainID: 137, Type: ChainTypeEVM}), ErrChainExists)
	require.ErrorIs(t, reg.AddChain(owner, ChainInfo{ChainID: 0, Type: ChainTypeEVM}), ErrInvalidChain)
	require.ErrorIs(t, reg.AddChain(stranger, ChainInfo{ChainID: 10, Type: ChainTypeEVM}), ErrUnauthorized)

	require.NoError(t, reg.SetChainActive(owner, 137, false))
	require.False(t, reg.IsChainSupported(137))

	chains, err := reg.Chains()
	require.NoError(t, err)
	require.Len(t, chains, 3)
	require.Equal(t, uint64(1), chains[0].ChainID)
	require.False(t, chains[1].Active)
}
