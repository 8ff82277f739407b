package auth

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
type SignedRequest struct {
	Action     string          `json:"action"`
	ExpiresAt  int64           `json:"expires_at"`
	Nonce      string          `json:"nonce"`
	Payload    json.RawMessage `json:"payload"`
	ResourceID string          `json:"resource_id"`
}

const (
	maxFutureWindow = 5 * time.Minute
	nonceKeyPrefix  = "auth:nonce:"

	walletKey  = "wallet_address"
	requestKey = "signed_request"
)

// Middleware returns a Gin handler that validates EIP-191 wallet signatures
// and rejects replayed nonces.
func Middleware(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		walletAddr := c.GetHeader(HeaderWallet)
		signedMsgB64 := c.GetHeader(HeaderMessage)
		sigHex := c.GetHeader(HeaderSignature)

		if walletAddr == "" || signedMsgB64 == "" || sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}
		if !common.IsHexAddress(walletAddr) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid wallet address"})
			return
		}

		msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Signed-Message encoding"})
			return
		}

		var req SignedRequest
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signed message JSON"})
			return
		}
		if req.Nonce == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing nonce"})
			return
		}

		now := time.Now().Unix()
		if req.ExpiresAt <= now {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		}
		if req.ExpiresAt > now+int64(maxFutureWindow.Seconds()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expires_at too far in future"})
			return
		}

		sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature hex"})
			return
		}
		recovered, err := Recover(msgBytes, sig)
		if err != nil || recovered != common.HexToAddress(walletAddr) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		// Nonce dedup via Redis SET NX, kept until the request would expire anyway
		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		set, err := rdb.SetNX(c.Request.Context(), nonceKeyPrefix+req.Nonce, recovered.Hex(), ttl).Result()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !set {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce already used"})
			return
		}

		c.Set(walletKey, recovered)
		c.Set(requestKey, req)
		c.Next()
	}
}

// Wallet returns the authenticated address set by Middleware.
func Wallet(c *gin.Context) common.Address {
	addr, _ := c.Get(walletKey)
	a, _ := addr.(common.Address)
	return a
}

// Request returns the verified signed request set by Middleware.
func Request(c *gin.Context) SignedRequest {
	v, _ := c.Get(requestKey)
	r, _ := v.(SignedRequest)
	return r
}

// Authorize aborts with 403 unless the signed request names action and
// resource. A signature for one operation cannot be replayed against another.
func Authorize(c *gin.Context, action, resource string) bool {
	req := Request(c)
	if req.Action != action || !strings.EqualFold(req.ResourceID, resource) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "signed request does not cover this operation"})
		return false
	}
	return true
}
