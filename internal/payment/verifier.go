package payment

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var transferWithAuthorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// Verifier checks a payment against the Requirement it answers. It is pure
// apart from the clock: no I/O, no settlement.
type Verifier struct {
	now func() time.Time
}

func NewVerifier() *Verifier {
	return &Verifier{now: time.Now}
}

// WithClock overrides the time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify returns nil when p is an acceptable payment for req, otherwise a
// *VerifyError. Checks run in a fixed order and stop at the first failure:
// nonce, validity window, amount and recipient, then signature.
func (v *Verifier) Verify(req *Requirement, p *Payment) error {
	return v.verify(req, p, true)
}

// VerifySettled checks that p is the payment rec was settled with. The
// clock is ignored since the window may have closed in the meantime.
func (v *Verifier) VerifySettled(rec *NonceRecord, p *Payment) error {
	if rec.State != NonceSpent {
		return refuse(ReasonNonceMismatch, "challenge has not been settled")
	}
	if err := v.verify(&rec.Requirement, p, false); err != nil {
		return err
	}
	if !sameAddress(p.Authorization.From, rec.Payer) {
		return refuse(ReasonBadSignature, "challenge was settled by %s, not %s", rec.Payer, p.Authorization.From)
	}
	return nil
}

func (v *Verifier) verify(req *Requirement, p *Payment, checkTime bool) error {
	a := p.Authorization

	if !strings.EqualFold(a.Nonce, req.Nonce) {
		return refuse(ReasonNonceMismatch, "payment does not answer this challenge")
	}

	if a.ValidAfter != req.ValidAfter || a.ValidBefore != req.ValidBefore {
		return refuse(ReasonValidityMismatch, "authorization window [%d, %d] differs from offered [%d, %d]",
			a.ValidAfter, a.ValidBefore, req.ValidAfter, req.ValidBefore)
	}
	if checkTime {
		now := v.now().Unix()
		if now >= req.ValidBefore {
			return refuse(ReasonExpired, "authorization expired at %d", req.ValidBefore)
		}
		if now <= req.ValidAfter {
			return refuse(ReasonExpired, "authorization not valid until %d", req.ValidAfter)
		}
	}

	if p.Network.ID != req.Network {
		return refuse(ReasonAssetMismatch, "network %s, offered %s", p.Network.ID, req.Network)
	}
	if a.Asset != "" && !sameAddress(a.Asset, req.Asset) {
		return refuse(ReasonAssetMismatch, "asset %s, offered %s", a.Asset, req.Asset)
	}
	paid, _ := new(big.Int).SetString(a.Amount, 10)
	want, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || paid == nil || paid.Cmp(want) != 0 {
		return refuse(ReasonAmountMismatch, "amount %s, required %s", a.Amount, req.Amount)
	}
	if !sameAddress(a.To, req.PayTo) {
		return refuse(ReasonRecipientMismatch, "recipient %s, required %s", a.To, req.PayTo)
	}

	signer, err := recoverSigner(p.Network, req, a, p.Signature)
	if err != nil {
		return refuse(ReasonBadSignature, "%v", err)
	}
	if signer != common.HexToAddress(a.From) {
		return refuse(ReasonBadSignature, "signed by %s, not %s", signer.Hex(), a.From)
	}
	return nil
}

// HashAuthorization is the EIP-712 digest of a, under the domain of the
// requirement's asset.
func HashAuthorization(n Network, req *Requirement, a Authorization) ([]byte, error) {
	name, version := n.TokenName, n.TokenVersion
	if req.Extra != nil && req.Extra.Name != "" {
		name, version = req.Extra.Name, req.Extra.Version
	}
	td := apitypes.TypedData{
		Types:       transferWithAuthorizationTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           math.NewHexOrDecimal256(n.ChainID),
			VerifyingContract: common.HexToAddress(req.Asset).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        common.HexToAddress(a.From).Hex(),
			"to":          common.HexToAddress(a.To).Hex(),
			"value":       a.Amount,
			"validAfter":  strconv.FormatInt(a.ValidAfter, 10),
			"validBefore": strconv.FormatInt(a.ValidBefore, 10),
			"nonce":       a.Nonce,
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("couldn't hash authorization: %w", err)
	}
	return hash, nil
}

// SignAuthorization signs a with key and returns the 0x-prefixed 65 byte
// signature with a 27/28 recovery id.
func SignAuthorization(key *ecdsa.PrivateKey, n Network, req *Requirement, a Authorization) (string, error) {
	hash, err := HashAuthorization(n, req, a)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

func recoverSigner(n Network, req *Requirement, a Authorization, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[64], r, s, true) {
		return common.Address{}, fmt.Errorf("signature values out of range")
	}

	hash, err := HashAuthorization(n, req, a)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("couldn't recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func sameAddress(a, b string) bool {
	return common.IsHexAddress(a) && common.IsHexAddress(b) && common.HexToAddress(a) == common.HexToAddress(b)
}
