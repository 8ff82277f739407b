package permission

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var spendPermissionTypeHash = crypto.Keccak256Hash([]byte(
	"SpendPermission(address account,address spender,address token,uint160 allowance,uint48 period,uint48 start,uint48 end,uint256 salt,bytes extraData)",
))

var (
	ErrHashMismatch   = errors.New("permission hash does not match terms")
	ErrSignerMismatch = errors.New("signature not produced by account")
)

// domainSeparator computes the EIP-712 domain separator of the manager contract.
func domainSeparator(chainID *big.Int, manager common.Address) [32]byte {
	domainTypeHash := crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	nameHash := crypto.Keccak256Hash([]byte("Spend Permission Manager"))
	versionHash := crypto.Keccak256Hash([]byte("1"))

	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	chainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], manager.Bytes())

	return crypto.Keccak256Hash(encoded)
}

// structHash is keccak256(typeHash || abi.encode(fields)), with extraData hashed.
func structHash(p *SpendPermission) [32]byte {
	encoded := make([]byte, 10*32)
	copy(encoded[0:32], spendPermissionTypeHash[:])
	copy(encoded[44:64], p.Account.Bytes())
	copy(encoded[76:96], p.Spender.Bytes())
	copy(encoded[108:128], p.Token.Bytes())
	p.Allowance.FillBytes(encoded[128:160])
	big.NewInt(p.PeriodSeconds).FillBytes(encoded[160:192])
	big.NewInt(p.Start).FillBytes(encoded[192:224])
	big.NewInt(p.End).FillBytes(encoded[224:256])
	salt := p.Salt
	if salt == nil {
		salt = new(big.Int)
	}
	salt.FillBytes(encoded[256:288])
	extra := crypto.Keccak256Hash(p.ExtraData)
	copy(encoded[288:320], extra[:])
	return crypto.Keccak256Hash(encoded)
}

// Hash returns the EIP-712 digest of the permission. This is the
// permissionHash the manager contract uses to key its accounting.
func Hash(p *SpendPermission, chainID *big.Int, manager common.Address) common.Hash {
	sh := structHash(p)
	sep := domainSeparator(chainID, manager)

	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], sh[:])
	return crypto.Keccak256Hash(msg)
}

// Sign signs the authorization in-place with the account key and fills
// PermissionHash. Used by tooling and tests; production signatures come from
// the account owner's wallet.
func Sign(a *Authorization, privKey *ecdsa.PrivateKey, manager common.Address) error {
	if err := a.Permission.Validate(); err != nil {
		return err
	}
	digest := Hash(&a.Permission, big.NewInt(a.ChainID), manager)
	sig, err := crypto.Sign(digest[:], privKey)
	if err != nil {
		return err
	}
	// V 0/1 -> 27/28 for ecrecover
	sig[64] += 27
	a.Signature = sig
	a.PermissionHash = digest
	return nil
}

// Recover returns the signer of a 65-byte ECDSA signature over the permission.
func Recover(a *Authorization, manager common.Address) (common.Address, error) {
	if len(a.Signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(a.Signature))
	}
	digest := Hash(&a.Permission, big.NewInt(a.ChainID), manager)
	sig := make([]byte, 65)
	copy(sig, a.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that PermissionHash matches the terms and, for plain ECDSA
// signatures, that the account signed them. Longer signatures (smart-wallet
// ERC-1271 / ERC-6492 wrappers) are opaque here and are validated on-chain.
func Verify(a *Authorization, manager common.Address) error {
	if err := a.Validate(); err != nil {
		return err
	}
	want := Hash(&a.Permission, big.NewInt(a.ChainID), manager)
	if !bytes.Equal(want[:], a.PermissionHash[:]) {
		return ErrHashMismatch
	}
	if len(a.Signature) != 65 {
		return nil
	}
	signer, err := Recover(a, manager)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	if signer != a.Permission.Account {
		return ErrSignerMismatch
	}
	return nil
}
