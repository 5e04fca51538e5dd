package a2a

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentfabric/types"
)

// envelopeClaims bind a signature to one envelope: the issuer is the
// sender, mid the envelope id, dig a digest of method and params.
type envelopeClaims struct {
	MessageID string `json:"mid"`
	Digest    string `json:"dig"`
	jwt.RegisteredClaims
}

// EnvelopeDigest hashes the method and params of an envelope.
func EnvelopeDigest(env *types.Envelope) (string, error) {
	params, err := json.Marshal(env.Params)
	if err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(env.Method))
	h.Write([]byte{0})
	h.Write(params)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SignEnvelope sets env.Signature to an HS256 token over the envelope.
func SignEnvelope(env *types.Envelope, secret []byte) error {
	if len(secret) == 0 {
		return errors.New("signing secret is empty")
	}
	digest, err := EnvelopeDigest(env)
	if err != nil {
		return err
	}
	claims := envelopeClaims{
		MessageID: env.ID,
		Digest:    digest,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   env.From,
			IssuedAt: jwt.NewNumericDate(time.UnixMilli(env.Timestamp)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}
	env.Signature = signed
	return nil
}

// VerifyEnvelope checks env.Signature against the envelope contents.
func VerifyEnvelope(env *types.Envelope, secret []byte) error {
	if env.Signature == "" {
		return errors.New("signature missing")
	}
	claims := &envelopeClaims{}
	_, err := jwt.ParseWithClaims(env.Signature, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if claims.Issuer != env.From {
		return fmt.Errorf("signature issuer %q does not match sender %q", claims.Issuer, env.From)
	}
	if claims.MessageID != env.ID {
		return errors.New("signature bound to a different message")
	}
	digest, err := EnvelopeDigest(env)
	if err != nil {
		return err
	}
	if claims.Digest != digest {
		return errors.New("signature digest mismatch")
	}
	return nil
}

// guard applies the trust, signature, replay and rate checks.
type guard struct {
	cfg     SecurityConfig
	trusted map[string]struct{}
	now     func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newGuard(cfg SecurityConfig, now func() time.Time) *guard {
	g := &guard{
		cfg:      cfg,
		trusted:  make(map[string]struct{}, len(cfg.TrustedAgents)),
		now:      now,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, id := range cfg.TrustedAgents {
		g.trusted[id] = struct{}{}
	}
	return g
}

// check returns nil when env may enter the manager.
func (g *guard) check(env *types.Envelope) *types.Error {
	if g.cfg.Enabled {
		if _, ok := g.trusted[env.From]; !ok {
			return types.Errorf(types.KindAuthorization, "sender %s is not trusted", env.From).WithSource("a2a")
		}
		if env.Signature != "" || g.cfg.RequireSignature {
			if err := VerifyEnvelope(env, []byte(g.cfg.SigningSecret)); err != nil {
				return types.NewError(types.KindAuthentication, err.Error()).WithCause(err).WithSource("a2a")
			}
		}
		if g.cfg.MessageTimeout > 0 {
			age := g.now().Sub(time.UnixMilli(env.Timestamp))
			if age > g.cfg.MessageTimeout || age < -g.cfg.MessageTimeout {
				return types.Errorf(types.KindAuthentication,
					"message age %s outside allowed window %s", age.Round(time.Millisecond), g.cfg.MessageTimeout).
					WithSource("a2a")
			}
		}
	}
	if g.cfg.RateLimit > 0 && !g.limiter(env.From).Allow() {
		return types.Errorf(types.KindResourceExhausted, "rate limit exceeded for %s", env.From).WithSource("a2a")
	}
	return nil
}

func (g *guard) limiter(sender string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[sender]
	if !ok {
		burst := g.cfg.RateBurst
		if burst <= 0 {
			burst = int(g.cfg.RateLimit) + 1
		}
		l = rate.NewLimiter(rate.Limit(g.cfg.RateLimit), burst)
		g.limiters[sender] = l
	}
	return l
}

// validateEnvelope checks the structural rules every envelope must follow.
func validateEnvelope(env *types.Envelope) *types.Error {
	if env == nil {
		return types.NewError(types.KindProtocol, "envelope is required").WithSource("a2a")
	}
	var problem string
	switch {
	case env.JSONRPC != types.JSONRPCVersion:
		problem = fmt.Sprintf("jsonrpc must be %q", types.JSONRPCVersion)
	case env.Method == "":
		problem = "method is required"
	case env.From == "":
		problem = "from is required"
	case env.To.IsEmpty():
		problem = "to is required"
	case env.Timestamp <= 0:
		problem = "timestamp is required"
	case !env.MessageType.Valid():
		problem = "messageType is required"
	case env.Priority != "" && !env.Priority.Valid():
		problem = fmt.Sprintf("unknown priority %q", env.Priority)
	case env.Context != nil && env.Context.TimeoutMS < 0:
		problem = "context timeout must not be negative"
	default:
		return nil
	}
	return types.NewError(types.KindProtocol, "invalid envelope: "+problem).WithSource("a2a")
}
