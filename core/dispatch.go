package core

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"dexcrow/native/crosschain"
	nativecommon "dexcrow/native/common"
	"dexcrow/native/escrow"
	"dexcrow/native/tokens"
	"dexcrow/native/xescrow"
)

// ErrUnexpectedValue rejects native value attached to a method that does
// not take any.
var ErrUnexpectedValue = nativecommon.NewError(nativecommon.ErrEconomic, "ledger: method does not accept value")

type callContext struct {
	from  common.Address
	value *big.Int
}

type handlerFunc func(ctx context.Context, l *Ledger, call callContext, raw json.RawMessage) (any, error)

type handler struct {
	module  string
	payable bool
	fn      handlerFunc
}

// bind decodes the params into P before invoking fn. Unknown fields are
// rejected.
func bind[P any](module string, payable bool, fn func(ctx context.Context, l *Ledger, call callContext, p P) (any, error)) handler {
	return handler{module: module, payable: payable, fn: func(ctx context.Context, l *Ledger, call callContext, raw json.RawMessage) (any, error) {
		if !payable && call.value != nil && call.value.Sign() != 0 {
			return nil, ErrUnexpectedValue
		}
		var p P
		if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&p); err != nil {
				return nil, nativecommon.Wrapf(ErrInvalidParams, "%v", err)
			}
		}
		return fn(ctx, l, call, p)
	}}
}

type (
	idParams struct {
		ID common.Hash `json:"id"`
	}
	addressParams struct {
		Address common.Address `json:"address"`
	}
	allowParams struct {
		Address common.Address `json:"address"`
		Allowed bool           `json:"allowed"`
	}
	amountParams struct {
		Amount *big.Int `json:"amount"`
	}
	pauseParams struct {
		Module string `json:"module"`
		Paused bool   `json:"paused"`
	}

	transferParams struct {
		Asset  common.Address `json:"asset"`
		To     common.Address `json:"to"`
		Amount *big.Int       `json:"amount"`
	}
	approveParams struct {
		Asset   common.Address `json:"asset"`
		Spender common.Address `json:"spender"`
		Amount  *big.Int       `json:"amount"`
	}

	createEscrowParams struct {
		Buyer              common.Address `json:"buyer"`
		Seller             common.Address `json:"seller"`
		Asset              common.Address `json:"asset"`
		Amount             *big.Int       `json:"amount"`
		Deadline           uint64         `json:"deadline"`
		Description        string         `json:"description"`
		DisputeWindowHours uint64         `json:"disputeWindowHours"`
		FundNow            bool           `json:"fundNow"`
	}
	disputeParams struct {
		ID     common.Hash `json:"id"`
		Reason string      `json:"reason"`
	}
	resolveParams struct {
		ID         common.Hash `json:"id"`
		FavorBuyer bool        `json:"favorBuyer"`
		Reasoning  string      `json:"reasoning"`
	}
	evidenceParams struct {
		ID          common.Hash `json:"id"`
		Kind        string      `json:"kind"`
		Description string      `json:"description"`
		URI         string      `json:"uri"`
	}
	factoryFeesParams struct {
		PlatformFeeBps uint32 `json:"platformFeeBps"`
		ArbiterFeeBps  uint32 `json:"arbiterFeeBps"`
	}
	windowParams struct {
		Hours uint64 `json:"hours"`
	}
	assetParams struct {
		Asset     common.Address `json:"asset"`
		Supported bool           `json:"supported"`
	}
	cooldownParams struct {
		Seconds uint64 `json:"seconds"`
	}

	chainParams struct {
		ChainID uint64           `json:"chainId"`
		Type    tokens.ChainType `json:"type"`
		Name    string           `json:"name"`
		Active  *bool            `json:"active"`
	}
	chainActiveParams struct {
		ChainID uint64 `json:"chainId"`
		Active  bool   `json:"active"`
	}
	registerTokenParams struct {
		Symbol    string           `json:"symbol"`
		Name      string           `json:"name"`
		ChainID   uint64           `json:"chainId"`
		ChainType tokens.ChainType `json:"chainType"`
		Address   string           `json:"address"`
		Decimals  uint8            `json:"decimals"`
		IsNative  bool             `json:"isNative"`
	}
	tokenChainParams struct {
		TokenID common.Hash `json:"tokenId"`
		ChainID uint64      `json:"chainId"`
	}
	tokenParams struct {
		TokenID common.Hash `json:"tokenId"`
	}

	rootParams struct {
		ChainID uint64      `json:"chainId"`
		Root    common.Hash `json:"root"`
		Height  uint64      `json:"height"`
	}

	congestionParams struct {
		ChainID uint64 `json:"chainId"`
		Bps     uint32 `json:"bps"`
	}
	messageFeesParams struct {
		BaseFee    *big.Int `json:"baseFee"`
		PerByteFee *big.Int `json:"perByteFee"`
	}
	quotaParams struct {
		MaxMessagesPerEpoch uint32 `json:"maxMessagesPerEpoch"`
		MaxBytesPerEpoch    uint64 `json:"maxBytesPerEpoch"`
		EpochSeconds        uint32 `json:"epochSeconds"`
	}
	epochParams struct {
		Epoch uint64 `json:"epoch"`
	}
	pausedParams struct {
		Paused bool `json:"paused"`
	}

	crossChainCreateParams struct {
		Buyer              common.Address `json:"buyer"`
		Seller             common.Address `json:"seller"`
		TokenID            common.Hash    `json:"tokenId"`
		Amount             *big.Int       `json:"amount"`
		Deadline           uint64         `json:"deadline"`
		DisputeWindowHours uint64         `json:"disputeWindowHours"`
		Description        string         `json:"description"`
		TargetChainID      uint64         `json:"targetChainId"`
	}
	processParams struct {
		Message    *crosschain.Message           `json:"message"`
		Signatures crosschain.GuardianSignatures `json:"signatures"`
		Proof      []common.Hash                 `json:"proof"`
	}
	settleParams struct {
		MirrorID common.Hash `json:"mirrorId"`
	}
)

// CrossChainCreated is the result of xescrow_create.
type CrossChainCreated struct {
	Escrow  *escrow.Escrow      `json:"escrow"`
	Message *crosschain.Message `json:"message"`
}

func (p crossChainCreateParams) toParams() xescrow.CreateParams {
	return xescrow.CreateParams{
		Buyer:              p.Buyer,
		Seller:             p.Seller,
		TokenID:            p.TokenID,
		Amount:             p.Amount,
		Deadline:           p.Deadline,
		DisputeWindowHours: p.DisputeWindowHours,
		Description:        p.Description,
		TargetChainID:      p.TargetChainID,
	}
}

func done(err error) (any, error) { return nil, err }

var handlers = map[string]handler{
	"bank_transfer": bind("bank", false, func(_ context.Context, l *Ledger, c callContext, p transferParams) (any, error) {
		return done(l.Bank.Transfer(p.Asset, c.from, p.To, p.Amount))
	}),
	"bank_approve": bind("bank", false, func(_ context.Context, l *Ledger, c callContext, p approveParams) (any, error) {
		return done(l.Bank.Approve(p.Asset, c.from, p.Spender, p.Amount))
	}),

	"escrow_create": bind(nativecommon.ModuleFactory, true, func(_ context.Context, l *Ledger, c callContext, p createEscrowParams) (any, error) {
		return l.Factory.CreateEscrow(c.from, c.value, escrow.CreateParams{
			Buyer:              p.Buyer,
			Seller:             p.Seller,
			Asset:              p.Asset,
			Amount:             p.Amount,
			Deadline:           p.Deadline,
			Description:        p.Description,
			DisputeWindowHours: p.DisputeWindowHours,
			FundNow:            p.FundNow,
		})
	}),
	"escrow_deposit": bind(nativecommon.ModuleEscrow, true, func(_ context.Context, l *Ledger, c callContext, p idParams) (any, error) {
		return l.Engine.Deposit(c.from, c.value, p.ID)
	}),
	"escrow_confirm": bind(nativecommon.ModuleEscrow, false, func(_ context.Context, l *Ledger, c callContext, p idParams) (any, error) {
		return l.Engine.ConfirmFulfillment(c.from, p.ID)
	}),
	"escrow_raiseDispute": bind(nativecommon.ModuleEscrow, false, func(_ context.Context, l *Ledger, c callContext, p disputeParams) (any, error) {
		return l.Engine.RaiseDispute(c.from, p.ID, p.Reason)
	}),
	"escrow_becomeArbiter": bind(nativecommon.ModuleEscrow, false, func(_ context.Context, l *Ledger, c callContext, p idParams) (any, error) {
		return l.Engine.BecomeArbiter(c.from, p.ID)
	}),
	"escrow_resolveDispute": bind(nativecommon.ModuleEscrow, false, func(_ context.Context, l *Ledger, c callContext, p resolveParams) (any, error) {
		return l.Engine.ResolveDispute(c.from, p.ID, p.FavorBuyer, p.Reasoning)
	}),
	"escrow_cancel": bind(nativecommon.ModuleEscrow, false, func(_ context.Context, l *Ledger, c callContext, p idParams) (any, error) {
		return l.Engine.Cancel(c.from, p.ID)
	}),
	"escrow_submitEvidence": bind(nativecommon.ModuleEscrow, false, func(_ context.Context, l *Ledger, c callContext, p evidenceParams) (any, error) {
		return l.Engine.SubmitEvidence(c.from, p.ID, p.Kind, p.Description, p.URI)
	}),
	"escrow_emergencyRefund": bind(nativecommon.ModuleEscrow, false, func(_ context.Context, l *Ledger, c callContext, p idParams) (any, error) {
		return l.Engine.EmergencyRefund(c.from, p.ID)
	}),

	"factory_setCreationFee": bind(nativecommon.ModuleFactory, false, func(_ context.Context, l *Ledger, c callContext, p amountParams) (any, error) {
		return done(l.Factory.SetCreationFee(c.from, p.Amount))
	}),
	"factory_setFees": bind(nativecommon.ModuleFactory, false, func(_ context.Context, l *Ledger, c callContext, p factoryFeesParams) (any, error) {
		return done(l.Factory.SetFees(c.from, p.PlatformFeeBps, p.ArbiterFeeBps))
	}),
	"factory_setDefaultDisputeWindow": bind(nativecommon.ModuleFactory, false, func(_ context.Context, l *Ledger, c callContext, p windowParams) (any, error) {
		return done(l.Factory.SetDefaultDisputeWindow(c.from, p.Hours))
	}),
	"factory_setFeeRecipient": bind(nativecommon.ModuleFactory, false, func(_ context.Context, l *Ledger, c callContext, p addressParams) (any, error) {
		return done(l.Factory.SetFeeRecipient(c.from, p.Address))
	}),
	"factory_setSupportedAsset": bind(nativecommon.ModuleFactory, false, func(_ context.Context, l *Ledger, c callContext, p assetParams) (any, error) {
		return done(l.Factory.SetSupportedAsset(c.from, p.Asset, p.Supported))
	}),
	"factory_setPaused": bind(nativecommon.ModuleFactory, false, func(_ context.Context, l *Ledger, c callContext, p pauseParams) (any, error) {
		return done(l.Factory.SetPaused(c.from, p.Module, p.Paused))
	}),
	"factory_withdrawFees": bind(nativecommon.ModuleFactory, false, func(_ context.Context, l *Ledger, c callContext, p addressParams) (any, error) {
		return l.Factory.WithdrawFees(c.from, p.Address)
	}),
	"factory_transferOwnership": bind(nativecommon.ModuleFactory, false, func(_ context.Context, l *Ledger, c callContext, p addressParams) (any, error) {
		return done(l.Factory.TransferOwnership(c.from, p.Address))
	}),

	"arbiter_requestMembership": bind("arbiter", false, func(_ context.Context, l *Ledger, c callContext, p amountParams) (any, error) {
		return l.Arbiters.RequestMembership(c.from, p.Amount)
	}),
	"arbiter_approve": bind("arbiter", false, func(_ context.Context, l *Ledger, c callContext, p addressParams) (any, error) {
		return done(l.Arbiters.Approve(c.from, p.Address))
	}),
	"arbiter_revoke": bind("arbiter", false, func(_ context.Context, l *Ledger, c callContext, p addressParams) (any, error) {
		return done(l.Arbiters.Revoke(c.from, p.Address))
	}),
	"arbiter_unlock": bind("arbiter", false, func(_ context.Context, l *Ledger, c callContext, _ struct{}) (any, error) {
		return l.Arbiters.Unlock(c.from)
	}),
	"arbiter_setMinimumHolding": bind("arbiter", false, func(_ context.Context, l *Ledger, c callContext, p amountParams) (any, error) {
		return done(l.Arbiters.SetMinimumHolding(c.from, p.Amount))
	}),
	"arbiter_setCooldown": bind("arbiter", false, func(_ context.Context, l *Ledger, c callContext, p cooldownParams) (any, error) {
		return done(l.Arbiters.SetCooldown(c.from, p.Seconds))
	}),
	"arbiter_transferOwnership": bind("arbiter", false, func(_ context.Context, l *Ledger, c callContext, p addressParams) (any, error) {
		return done(l.Arbiters.TransferOwnership(c.from, p.Address))
	}),

	"tokens_addChain": bind("tokens", false, func(_ context.Context, l *Ledger, c callContext, p chainParams) (any, error) {
		active := true
		if p.Active != nil {
			active = *p.Active
		}
		return done(l.Tokens.AddChain(c.from, tokens.ChainInfo{ChainID: p.ChainID, Type: p.Type, Name: p.Name, Active: active}))
	}),
	"tokens_setChainActive": bind("tokens", false, func(_ context.Context, l *Ledger, c callContext, p chainActiveParams) (any, error) {
		return done(l.Tokens.SetChainActive(c.from, p.ChainID, p.Active))
	}),
	"tokens_register": bind("tokens", false, func(_ context.Context, l *Ledger, c callContext, p registerTokenParams) (any, error) {
		return l.Tokens.RegisterToken(c.from, tokens.RegisterParams{
			Symbol:    p.Symbol,
			Name:      p.Name,
			ChainID:   p.ChainID,
			ChainType: p.ChainType,
			Address:   p.Address,
			Decimals:  p.Decimals,
			IsNative:  p.IsNative,
		})
	}),
	"tokens_deactivate": bind("tokens", false, func(_ context.Context, l *Ledger, c callContext, p tokenChainParams) (any, error) {
		return done(l.Tokens.DeactivateToken(c.from, p.TokenID, p.ChainID))
	}),
	"tokens_verify": bind("tokens", false, func(_ context.Context, l *Ledger, c callContext, p tokenParams) (any, error) {
		return done(l.Tokens.VerifyToken(c.from, p.TokenID))
	}),
	"tokens_setVerifier": bind("tokens", false, func(_ context.Context, l *Ledger, c callContext, p allowParams) (any, error) {
		return done(l.Tokens.SetVerifier(c.from, p.Address, p.Allowed))
	}),

	"proofs_updateMerkleRoot": bind("proofs", false, func(_ context.Context, l *Ledger, c callContext, p rootParams) (any, error) {
		return done(l.Proofs.UpdateMerkleRoot(c.from, p.ChainID, p.Root, p.Height))
	}),
	"proofs_setUpdater": bind("proofs", false, func(_ context.Context, l *Ledger, c callContext, p allowParams) (any, error) {
		return done(l.Proofs.SetUpdater(c.from, p.Address, p.Allowed))
	}),

	"messenger_setAuthorized": bind(nativecommon.ModuleMessenger, false, func(_ context.Context, l *Ledger, c callContext, p allowParams) (any, error) {
		return done(l.Messenger.SetAuthorized(c.from, p.Address, p.Allowed))
	}),
	"messenger_setPaused": bind(nativecommon.ModuleMessenger, false, func(_ context.Context, l *Ledger, c callContext, p pausedParams) (any, error) {
		return done(l.Messenger.SetPaused(c.from, p.Paused))
	}),
	"messenger_setCongestion": bind(nativecommon.ModuleMessenger, false, func(_ context.Context, l *Ledger, c callContext, p congestionParams) (any, error) {
		return done(l.Messenger.SetCongestion(c.from, p.ChainID, p.Bps))
	}),
	"messenger_setFees": bind(nativecommon.ModuleMessenger, false, func(_ context.Context, l *Ledger, c callContext, p messageFeesParams) (any, error) {
		return done(l.Messenger.SetFees(c.from, p.BaseFee, p.PerByteFee))
	}),
	"messenger_setQuota": bind(nativecommon.ModuleMessenger, false, func(_ context.Context, l *Ledger, c callContext, p quotaParams) (any, error) {
		return done(l.Messenger.SetQuota(c.from, nativecommon.Quota{
			MaxMessagesPerEpoch: p.MaxMessagesPerEpoch,
			MaxBytesPerEpoch:    p.MaxBytesPerEpoch,
			EpochSeconds:        p.EpochSeconds,
		}))
	}),
	"messenger_pruneQuotaEpoch": bind(nativecommon.ModuleMessenger, false, func(_ context.Context, l *Ledger, c callContext, p epochParams) (any, error) {
		return done(l.Messenger.PruneQuotaEpoch(c.from, p.Epoch))
	}),
	"messenger_updateGuardianSet": bind(nativecommon.ModuleMessenger, false, func(_ context.Context, l *Ledger, c callContext, p crosschain.GuardianSet) (any, error) {
		return done(l.Messenger.UpdateGuardianSet(c.from, p))
	}),
	"messenger_transferOwnership": bind(nativecommon.ModuleMessenger, false, func(_ context.Context, l *Ledger, c callContext, p addressParams) (any, error) {
		return done(l.Messenger.TransferOwnership(c.from, p.Address))
	}),

	"xescrow_create": bind("xescrow", true, func(_ context.Context, l *Ledger, c callContext, p crossChainCreateParams) (any, error) {
		esc, msg, err := l.CrossChain.CreateCrossChainEscrow(c.from, c.value, p.toParams())
		if err != nil {
			return nil, err
		}
		return CrossChainCreated{Escrow: esc, Message: msg}, nil
	}),
	"xescrow_process": bind("xescrow", false, func(_ context.Context, l *Ledger, c callContext, p processParams) (any, error) {
		if p.Message == nil {
			return nil, nativecommon.Wrapf(ErrInvalidParams, "message required")
		}
		return l.CrossChain.ProcessCrossChainMessage(c.from, p.Message, p.Signatures, p.Proof)
	}),
	"xescrow_settle": bind("xescrow", true, func(_ context.Context, l *Ledger, c callContext, p settleParams) (any, error) {
		return l.CrossChain.SettleCrossChain(c.from, c.value, p.MirrorID)
	}),
}

// Methods lists the state-changing methods in name order.
func Methods() []string {
	out := make([]string, 0, len(handlers))
	for name := range handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
