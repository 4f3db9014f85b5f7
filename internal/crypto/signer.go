package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

var (
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)
	assertionTypeHash = ethcrypto.Keccak256(
		[]byte("Assertion(uint256 marketId,uint256 outcome,address asserter,uint256 assertedAt)"),
	)
	transferTypeHash = ethcrypto.Keccak256(
		[]byte("Transfer(address account,uint256 amount,uint8 direction,bytes32 requestId)"),
	)
)

// Transfer directions.
const (
	DirectionPull uint8 = 0
	DirectionPush uint8 = 1
)

// DomainName is the EIP-712 domain every engine signature is bound to.
const DomainName = "LMSRMarket"

// Signer produces EIP-712 signatures with the engine's operator key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
	domainSep  []byte
}

// NewSigner creates a Signer from a hex secp256k1 private key.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
		domainSep:  domainSeparator(DomainName, "1", chainID),
	}, nil
}

// Address returns the signer's checksummed address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SignClaim signs an outcome assertion.
func (s *Signer) SignClaim(c domain.Claim) (string, error) {
	return s.signDigest(eip712Hash(s.domainSep, ClaimHash(c)))
}

// SignTransfer signs a custody instruction moving amount (in the asset's
// native units) for account.
func (s *Signer) SignTransfer(account string, amount *uint256.Int, direction uint8, requestID [32]byte) (string, error) {
	return s.signDigest(eip712Hash(s.domainSep, TransferHash(account, amount, direction, requestID)))
}

// ClaimHash is the EIP-712 struct hash of c.
func ClaimHash(c domain.Claim) []byte {
	asserter := common.HexToAddress(c.Asserter)
	return ethcrypto.Keccak256(concatBytes(
		assertionTypeHash,
		bigIntTo32Bytes(new(big.Int).SetUint64(c.MarketID)),
		bigIntTo32Bytes(big.NewInt(int64(c.Outcome))),
		common.LeftPadBytes(asserter.Bytes(), 32),
		bigIntTo32Bytes(big.NewInt(c.AssertedAt.Unix())),
	))
}

// TransferHash is the EIP-712 struct hash of a custody instruction.
func TransferHash(account string, amount *uint256.Int, direction uint8, requestID [32]byte) []byte {
	addr := common.HexToAddress(account)
	amt := amount.Bytes32()
	return ethcrypto.Keccak256(concatBytes(
		transferTypeHash,
		common.LeftPadBytes(addr.Bytes(), 32),
		amt[:],
		bigIntTo32Bytes(big.NewInt(int64(direction))),
		requestID[:],
	))
}

// RecoverClaimSigner returns the address that produced sig over c.
func RecoverClaimSigner(c domain.Claim, chainID int64, sig string) (string, error) {
	digest := eip712Hash(domainSeparator(DomainName, "1", chainID), ClaimHash(c))
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signature is not hex: %w", err)
	}
	if len(raw) != 65 {
		return "", errors.New("crypto/signer: signature must be 65 bytes")
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, raw)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub).Hex(), nil
}

func domainSeparator(name, version string, chainID int64) []byte {
	return ethcrypto.Keccak256(concatBytes(
		eip712DomainTypeHash,
		ethcrypto.Keccak256([]byte(name)),
		ethcrypto.Keccak256([]byte(version)),
		bigIntTo32Bytes(big.NewInt(chainID)),
	))
}

// eip712Hash is keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash))
}

// signDigest returns the hex r || s || v signature with v in {27, 28}.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func bigIntTo32Bytes(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
