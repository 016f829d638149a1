// signer.go builds and signs EIP-712 orders for the CTF exchange contract.
//
// Signing is purely functional: given the stored credentials and the order
// parameters, it produces the venue-shaped payload. The domain separator uses
// the neg-risk exchange address when the market settles in neg-risk mode and
// the standard exchange address otherwise; the two modes differ in nothing
// else.
package venue

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/led0r/poly-copy/pkg/types"
)

// EIP-712 constants for Polygon mainnet.
const (
	PolygonChainID = 137

	// CTFExchangeAddress is the standard exchange verifying contract.
	CTFExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	// NegRiskCTFExchangeAddress is the neg-risk exchange verifying contract.
	NegRiskCTFExchangeAddress = "0xC5d563A36AE78145C45a50134d48A1215220f80a"

	domainName    = "Polymarket CTF Exchange"
	domainVersion = "1"

	eip712DomainType = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	orderTypeString  = "Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"

	zeroAddress = "0x0000000000000000000000000000000000000000"
)

var (
	// ErrCredentialsNotConfigured is returned when the wallet address or
	// private key is missing.
	ErrCredentialsNotConfigured = errors.New("credentials_not_configured")

	// ErrInvalidTokenID is returned when the token id is not a decimal uint256.
	ErrInvalidTokenID = errors.New("invalid_token_id")
)

// OrderArgs are the inputs to SignOrder. Price must already sit on the tick
// grid (see ClampToTick) and NegRisk must come from resolved market metadata.
type OrderArgs struct {
	TokenID    string
	Price      decimal.Decimal
	Size       decimal.Decimal // shares
	Side       types.Side
	NegRisk    bool
	FeeRateBps int64
}

// OrderSigner signs orders with the operator's stored key.
type OrderSigner struct {
	source CredentialSource
	logger *slog.Logger
}

// NewOrderSigner creates a signer bound to a credential source.
func NewOrderSigner(source CredentialSource, logger *slog.Logger) *OrderSigner {
	return &OrderSigner{source: source, logger: logger.With("component", "order_signer")}
}

// SignOrder builds the typed order struct, hashes it under the exchange
// domain, and signs the digest with secp256k1 (v = recovery id + 27).
func (s *OrderSigner) SignOrder(args OrderArgs) (*types.SignedOrder, error) {
	creds, err := s.source.Credentials()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if creds.WalletAddress == "" || creds.PrivateKey == "" {
		return nil, ErrCredentialsNotConfigured
	}

	keyHex := strings.TrimPrefix(creds.PrivateKey, "0x")
	privateKey, err := gethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	tokenID, ok := new(big.Int).SetString(args.TokenID, 10)
	if !ok {
		return nil, ErrInvalidTokenID
	}

	// EOA mode signs with the wallet itself; proxy mode keeps the proxy
	// wallet as maker and signs with the configured signer key.
	maker := common.HexToAddress(creds.WalletAddress)
	signer := maker
	sigType := types.SigEOA
	if creds.SignerAddress != "" && !strings.EqualFold(creds.SignerAddress, creds.WalletAddress) {
		signer = common.HexToAddress(creds.SignerAddress)
		sigType = types.SigProxy
	}

	makerAmt, takerAmt := orderAmounts(args.Price, args.Size, args.Side)
	salt := big.NewInt(int64(rand.Int31()))

	verifying := common.HexToAddress(CTFExchangeAddress)
	if args.NegRisk {
		verifying = common.HexToAddress(NegRiskCTFExchangeAddress)
	}

	order := struct {
		salt, tokenID, makerAmt, takerAmt, expiration, nonce, feeRateBps *big.Int
		maker, signer, taker                                            common.Address
		side, sigType                                                   uint8
	}{
		salt:       salt,
		tokenID:    tokenID,
		makerAmt:   makerAmt,
		takerAmt:   takerAmt,
		expiration: big.NewInt(0),
		nonce:      big.NewInt(0),
		feeRateBps: big.NewInt(args.FeeRateBps),
		maker:      maker,
		signer:     signer,
		taker:      common.HexToAddress(zeroAddress),
		side:       uint8(args.Side.Int()),
		sigType:    uint8(sigType),
	}

	structHash := gethcrypto.Keccak256(
		gethcrypto.Keccak256([]byte(orderTypeString)),
		padUint(order.salt),
		padAddr(order.maker),
		padAddr(order.signer),
		padAddr(order.taker),
		padUint(order.tokenID),
		padUint(order.makerAmt),
		padUint(order.takerAmt),
		padUint(order.expiration),
		padUint(order.nonce),
		padUint(order.feeRateBps),
		padByte(order.side),
		padByte(order.sigType),
	)

	digest := gethcrypto.Keccak256(
		[]byte{0x19, 0x01},
		domainSeparator(verifying),
		structHash,
	)

	sig, err := gethcrypto.Sign(digest, privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	return &types.SignedOrder{
		Salt:          salt.String(),
		Maker:         maker.Hex(),
		Signer:        signer.Hex(),
		Taker:         zeroAddress,
		TokenID:       args.TokenID,
		MakerAmount:   makerAmt.String(),
		TakerAmount:   takerAmt.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    big.NewInt(args.FeeRateBps).String(),
		Side:          args.Side,
		SignatureType: sigType,
		Signature:     "0x" + common.Bytes2Hex(sig),
	}, nil
}

// domainSeparator hashes the EIP-712 domain for the given verifying contract.
func domainSeparator(verifying common.Address) []byte {
	return gethcrypto.Keccak256(
		gethcrypto.Keccak256([]byte(eip712DomainType)),
		gethcrypto.Keccak256([]byte(domainName)),
		gethcrypto.Keccak256([]byte(domainVersion)),
		padUint(big.NewInt(PolygonChainID)),
		padAddr(verifying),
	)
}

func padUint(v *big.Int) []byte     { return common.LeftPadBytes(v.Bytes(), 32) }
func padAddr(a common.Address) []byte { return common.LeftPadBytes(a.Bytes(), 32) }
func padByte(v uint8) []byte        { return common.LeftPadBytes([]byte{v}, 32) }

// orderAmounts converts a price and share size into 6-decimal fixed-point
// maker/taker amounts. The share size is floored to two decimals first and
// the stablecoin amount derived from the rounded size at four decimals, which
// keeps stable/token equal to the price within venue tolerance.
//
// For BUY the maker side is USDC and the taker side tokens; for SELL swapped.
func orderAmounts(price, size decimal.Decimal, side types.Side) (makerAmt, takerAmt *big.Int) {
	roundedSize := size.RoundDown(2)

	token := roundedSize.Shift(6).Round(0).BigInt()
	stable := roundedSize.Mul(price).RoundDown(4).Shift(6).Round(0).BigInt()

	if side == types.BUY {
		return stable, token
	}
	return token, stable
}

// ClampToTick rounds a price down to the venue's 0.001 grid and clamps it to
// [0.001, 0.999] — never exactly 0 or 1, which denote closed markets.
func ClampToTick(p decimal.Decimal) decimal.Decimal {
	p = p.RoundDown(3)
	minTick := decimal.NewFromFloat(0.001)
	maxTick := decimal.NewFromFloat(0.999)
	if p.LessThan(minTick) {
		return minTick
	}
	if p.GreaterThan(maxTick) {
		return maxTick
	}
	return p
}
