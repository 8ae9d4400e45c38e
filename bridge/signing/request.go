package signing

import (
	"crypto/ed25519"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rai1001/chefos/bridge/canonical"
)

// Bridge authentication headers. Every signed call carries all four.
const (
	HeaderAgentID   = "x-agent-id"
	HeaderTimestamp = "x-agent-ts"
	HeaderNonce     = "x-agent-nonce"
	HeaderSignature = "x-agent-signature"
)

// Signer stamps outgoing requests with the bridge authentication headers.
type Signer struct {
	AgentID string
	Key     ed25519.PrivateKey
	Now     func() time.Time
}

// NewSigner builds a Signer from wire-format private key material.
func NewSigner(agentID, encodedPrivateKey string) (*Signer, error) {
	key, err := ParsePrivateKey(encodedPrivateKey)
	if err != nil {
		return nil, err
	}
	return &Signer{AgentID: agentID, Key: key, Now: time.Now}, nil
}

// SignRequest attaches identity, timestamp, a fresh nonce, and the signature
// over the canonical string to req. body must be the exact bytes the request
// will send (nil for none). The minted nonce is returned so callers can log
// or deliberately replay it in tests.
func (s *Signer) SignRequest(req *http.Request, body []byte) (nonce string, err error) {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	ts := strconv.FormatInt(now().Unix(), 10)
	nonce = uuid.NewString()

	msg := canonical.String(canonical.Input{
		Method:    req.Method,
		Path:      req.URL.Path,
		Query:     req.URL.RawQuery,
		BodyHash:  canonical.BodyHash(body),
		Timestamp: ts,
		Nonce:     nonce,
		AgentID:   s.AgentID,
	})

	req.Header.Set(HeaderAgentID, s.AgentID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, Sign(s.Key, msg))
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return nonce, nil
}
