// Package attest verifies off-chain signed coin prices.
//
// Prices are signed as EIP-712 typed data:
//
//	CoinPricingInfo(string coinId,string coinSymbol,uint256 coinPrice,uint256 lastUpdatedAt)
//
// under the domain {name, version, chainId, verifyingContract}.
package attest

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	// ErrMalformedSignature is returned for signatures that are not 65 bytes or do not recover.
	ErrMalformedSignature = errors.New("attest: malformed signature")
	// ErrUnknownSigner is returned when the recovered signer is not the configured price signer.
	ErrUnknownSigner = errors.New("attest: signer not authorised")
	// ErrStale is returned when the attested price is older than the staleness bound.
	ErrStale = errors.New("attest: price attestation is stale")
	// ErrFromFuture is returned when the attested update time is ahead of the verifier clock.
	ErrFromFuture = errors.New("attest: price attestation is dated in the future")
	// ErrCoinMismatch is returned when the attestation prices a different coin than expected.
	ErrCoinMismatch = errors.New("attest: attestation is for another coin")
)

// Domain is the EIP-712 separator.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

// PriceInfo is the signed payload. CoinPrice is a 6dp USD price.
type PriceInfo struct {
	CoinID        string
	CoinSymbol    string
	CoinPrice     *big.Int
	LastUpdatedAt int64
}

// Attestation is a PriceInfo with its 65-byte [R || S || V] signature.
type Attestation struct {
	PriceInfo
	Signature []byte
}

func typedData(domain Domain, info PriceInfo) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"CoinPricingInfo": {
				{Name: "coinId", Type: "string"},
				{Name: "coinSymbol", Type: "string"},
				{Name: "coinPrice", Type: "uint256"},
				{Name: "lastUpdatedAt", Type: "uint256"},
			},
		},
		PrimaryType: "CoinPricingInfo",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           math.NewHexOrDecimal256(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"coinId":        info.CoinID,
			"coinSymbol":    info.CoinSymbol,
			"coinPrice":     info.CoinPrice.String(),
			"lastUpdatedAt": strconv.FormatInt(info.LastUpdatedAt, 10),
		},
	}
}

// Digest returns the EIP-712 hash the signer signs.
func Digest(domain Domain, info PriceInfo) ([]byte, error) {
	if info.CoinPrice == nil || info.CoinPrice.Sign() < 0 {
		return nil, fmt.Errorf("attest: invalid coin price")
	}
	digest, _, err := apitypes.TypedDataAndHash(typedData(domain, info))
	if err != nil {
		return nil, fmt.Errorf("attest: hash typed data: %w", err)
	}
	return digest, nil
}

// Sign produces an attestation with a 27/28 recovery byte.
func Sign(domain Domain, info PriceInfo, key *ecdsa.PrivateKey) (Attestation, error) {
	digest, err := Digest(domain, info)
	if err != nil {
		return Attestation{}, err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return Attestation{}, fmt.Errorf("attest: sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return Attestation{PriceInfo: info, Signature: sig}, nil
}

// Recover returns the address that signed att.
func Recover(domain Domain, att Attestation) (common.Address, error) {
	if len(att.Signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrMalformedSignature, len(att.Signature))
	}
	digest, err := Digest(domain, att.PriceInfo)
	if err != nil {
		return common.Address{}, err
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, att.Signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verifier checks signer identity, payload integrity and staleness.
type Verifier struct {
	domain Domain
	signer common.Address
	maxAge time.Duration
	skew   time.Duration
	now    func() time.Time
}

// DefaultClockSkew is how far ahead of the verifier clock an attestation may be dated.
const DefaultClockSkew = 2 * time.Minute

// Option customises a Verifier.
type Option func(*Verifier)

// WithClock overrides the verifier's time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithClockSkew sets the tolerance for attestations dated ahead of the clock.
func WithClockSkew(skew time.Duration) Option {
	return func(v *Verifier) {
		if skew >= 0 {
			v.skew = skew
		}
	}
}

// NewVerifier builds a verifier accepting prices signed by signer no older than maxAge.
func NewVerifier(domain Domain, signer common.Address, maxAge time.Duration, opts ...Option) *Verifier {
	v := &Verifier{domain: domain, signer: signer, maxAge: maxAge, skew: DefaultClockSkew, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify returns the attested price info when att is authentic, fresh and prices coinID.
// An empty coinID skips the coin check.
func (v *Verifier) Verify(att Attestation, coinID string) (PriceInfo, error) {
	if coinID != "" && att.CoinID != coinID {
		return PriceInfo{}, fmt.Errorf("%w: got %q want %q", ErrCoinMismatch, att.CoinID, coinID)
	}
	if att.CoinPrice == nil || att.CoinPrice.Sign() <= 0 {
		return PriceInfo{}, fmt.Errorf("attest: non-positive price for %q", att.CoinID)
	}
	signer, err := Recover(v.domain, att)
	if err != nil {
		return PriceInfo{}, err
	}
	if signer != v.signer {
		return PriceInfo{}, fmt.Errorf("%w: %s", ErrUnknownSigner, signer.Hex())
	}
	age := v.now().Sub(time.Unix(att.LastUpdatedAt, 0))
	if -age > v.skew {
		return PriceInfo{}, fmt.Errorf("%w: %s ahead", ErrFromFuture, (-age).Truncate(time.Second))
	}
	if v.maxAge > 0 {
		if age > v.maxAge {
			return PriceInfo{}, fmt.Errorf("%w: %s old", ErrStale, age.Truncate(time.Second))
		}
	}
	return att.PriceInfo, nil
}
