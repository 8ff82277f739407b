package auth

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Request headers carrying a wallet-signed request.
const (
	HeaderWallet    = "X-Wallet-Address"
	HeaderMessage   = "X-Signed-Message"
	HeaderSignature = "X-Wallet-Signature"
)

// HashMessage constructs the EIP-191 prefixed hash:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
func HashMessage(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// SignMessage produces a personal_sign style signature with V in {27,28}.
func SignMessage(msg []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(HashMessage(msg), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// Recover extracts the signer address from an EIP-191 signature.
// sig must be 65 bytes (R || S || V), with V in {0,1} or {27,28}.
func Recover(msg []byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	hash := HashMessage(msg)

	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}

	pub, err := crypto.SigToPub(hash, sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignHeaders signs req with key and returns the three auth headers.
func SignHeaders(req SignedRequest, key *ecdsa.PrivateKey) (map[string]string, error) {
	msg, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	sig, err := SignMessage(msg, key)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		HeaderWallet:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		HeaderMessage:   base64.StdEncoding.EncodeToString(msg),
		HeaderSignature: hexutil.Encode(sig),
	}, nil
}
