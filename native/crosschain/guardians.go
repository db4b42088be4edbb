package crosschain

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"dexcrow/crypto"
	nativecommon "dexcrow/native/common"
)

const guardianDomain = "dexcrow/guardian/v1"

var (
	ErrEmptyGuardianSet  = nativecommon.NewError(nativecommon.ErrValidation, "crosschain: guardian set is empty")
	ErrDuplicateGuardian = nativecommon.NewError(nativecommon.ErrValidation, "crosschain: duplicate guardian")
	ErrInvalidGuardian   = nativecommon.NewError(nativecommon.ErrValidation, "crosschain: guardian address must not be zero")
	ErrStaleGuardianSet  = nativecommon.NewError(nativecommon.ErrIntegrity, "crosschain: signatures not made by the current guardian set")
	ErrSignatureOrder    = nativecommon.NewError(nativecommon.ErrIntegrity, "crosschain: guardian indices must be strictly ascending")
	ErrUnknownGuardian   = nativecommon.NewError(nativecommon.ErrIntegrity, "crosschain: guardian index out of range")
	ErrBadSignature      = nativecommon.NewError(nativecommon.ErrIntegrity, "crosschain: signature does not match guardian")
	ErrQuorumNotMet      = nativecommon.NewError(nativecommon.ErrIntegrity, "crosschain: guardian quorum not met")
)

// GuardianSet is an indexed set of trusted signers.
type GuardianSet struct {
	Index     uint64           `json:"index" yaml:"index"`
	Guardians []common.Address `json:"guardians" yaml:"guardians"`
}

// Validate rejects empty sets, zero addresses and duplicate members.
func (s GuardianSet) Validate() error {
	if len(s.Guardians) == 0 {
		return ErrEmptyGuardianSet
	}
	seen := make(map[common.Address]struct{}, len(s.Guardians))
	for _, g := range s.Guardians {
		if g == (common.Address{}) {
			return ErrInvalidGuardian
		}
		if _, dup := seen[g]; dup {
			return nativecommon.Wrapf(ErrDuplicateGuardian, "%s", g.Hex())
		}
		seen[g] = struct{}{}
	}
	return nil
}

// Quorum is the number of distinct signatures required: more than two thirds.
func Quorum(n int) int {
	return n*2/3 + 1
}

// SignatureEntry is one guardian's signature.
type SignatureEntry struct {
	Index     uint32 `json:"index"`
	Signature []byte `json:"signature"`
}

// GuardianSignatures is the signature bundle attached to a message.
type GuardianSignatures struct {
	SetIndex uint64           `json:"setIndex"`
	Entries  []SignatureEntry `json:"entries"`
}

// SigningDigest binds a message to a guardian set index so signatures made
// under a rotated-out set never verify.
func SigningDigest(msg *Message, setIndex uint64) (common.Hash, error) {
	h, err := msg.Hash()
	if err != nil {
		return common.Hash{}, err
	}
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], setIndex)
	return ethcrypto.Keccak256Hash([]byte(guardianDomain), idx[:], h.Bytes()), nil
}

// Sign produces guardian index's signature over msg for the given set.
func Sign(key *crypto.PrivateKey, msg *Message, setIndex uint64, index uint32) (SignatureEntry, error) {
	digest, err := SigningDigest(msg, setIndex)
	if err != nil {
		return SignatureEntry{}, err
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return SignatureEntry{}, err
	}
	return SignatureEntry{Index: index, Signature: sig}, nil
}

// VerifyQuorum checks that sigs authenticate msg under set: same set index,
// strictly ascending guardian indices, every signature recovering to its
// guardian, and at least Quorum(len(set)) of them.
func VerifyQuorum(set GuardianSet, msg *Message, sigs GuardianSignatures) error {
	if len(set.Guardians) == 0 {
		return ErrEmptyGuardianSet
	}
	if sigs.SetIndex != set.Index {
		return nativecommon.Wrapf(ErrStaleGuardianSet, "signed under set %d, current %d", sigs.SetIndex, set.Index)
	}
	digest, err := SigningDigest(msg, set.Index)
	if err != nil {
		return err
	}
	last := -1
	for _, entry := range sigs.Entries {
		if int(entry.Index) <= last {
			return ErrSignatureOrder
		}
		last = int(entry.Index)
		if int(entry.Index) >= len(set.Guardians) {
			return nativecommon.Wrapf(ErrUnknownGuardian, "index %d of %d", entry.Index, len(set.Guardians))
		}
		signer, err := crypto.RecoverAddress(digest, entry.Signature)
		if err != nil {
			return nativecommon.Wrapf(ErrBadSignature, "guardian %d: %v", entry.Index, err)
		}
		if signer != set.Guardians[entry.Index] {
			return nativecommon.Wrapf(ErrBadSignature, "guardian %d", entry.Index)
		}
	}
	if need := Quorum(len(set.Guardians)); len(sigs.Entries) < need {
		return nativecommon.Wrapf(ErrQuorumNotMet, "%d of %d signatures", len(sigs.Entries), need)
	}
	return nil
}
