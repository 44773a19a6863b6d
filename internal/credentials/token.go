// Package credentials implements the signed credential exchange between a
// pipeline stage and the credentials service, and the key ring that seals
// credential payloads.
//
// A stage publishes a request token to the credentials exchange with routing
// key request.<service>. The credentials service answers on the job scoped
// queue credentials.<service>.<job_id> with a response token whose
// credentials claim maps account names to Fernet blobs.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"mash/internal/apperrors"
)

// Protocol constants.
const (
	ServiceName     = "credentials"
	RequestSubject  = "credentials_request"
	ResponseSubject = "credentials_response"
)

// RequestRoutingKey is the key a service publishes requests with.
func RequestRoutingKey(service string) string {
	return "request." + service
}

// ResponseRoutingKey is the key the response for a job is published with.
// It is also the queue name, under the credentials exchange, that receives it.
func ResponseRoutingKey(service, jobID string) string {
	return service + "." + jobID
}

// Message is the AMQP body that carries a token.
type Message struct {
	Token string `json:"jwt_token"`
}

// EncodeMessage wraps a token in a message body.
func EncodeMessage(token string) ([]byte, error) {
	return json.Marshal(Message{Token: token})
}

// DecodeMessage extracts the token from a message body.
func DecodeMessage(body []byte) (string, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return "", apperrors.Credential("message.decode", err)
	}
	if m.Token == "" {
		return "", apperrors.Credential("message.decode", errors.New("jwt_token is missing"))
	}
	return m.Token, nil
}

type requestClaims struct {
	JobID string `json:"id"`
	jwt.RegisteredClaims
}

type responseClaims struct {
	JobID       string            `json:"id"`
	Credentials map[string]string `json:"credentials"`
	jwt.RegisteredClaims
}

// Request is a validated credential request.
type Request struct {
	JobID     string
	Requester string
}

// Response is a validated credential response. Blobs are still sealed.
type Response struct {
	JobID       string
	Credentials map[string]string
}

// Codec signs and verifies tokens on behalf of one party. A stage uses a
// codec named after itself; the credentials service uses ServiceName.
type Codec struct {
	name   string
	secret []byte
	method jwt.SigningMethod
	ttl    time.Duration
	now    func() time.Time
}

// NewCodec creates a codec for the party name. algorithm is one of the HMAC
// JWT algorithms.
func NewCodec(name string, secret []byte, algorithm string) (*Codec, error) {
	if len(secret) == 0 {
		return nil, apperrors.Validation("jwt_secret", "jwt secret is required")
	}
	method := jwt.GetSigningMethod(algorithm)
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, apperrors.Validation("jwt_algorithm", fmt.Sprintf("unsupported jwt algorithm %q", algorithm))
	}
	return &Codec{
		name:   name,
		secret: secret,
		method: method,
		ttl:    10 * time.Minute,
		now:    time.Now,
	}, nil
}

func (c *Codec) registered(subject, audience string) jwt.RegisteredClaims {
	now := c.now()
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    c.name,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
	}
}

func (c *Codec) sign(claims jwt.Claims) (string, error) {
	token, err := jwt.NewWithClaims(c.method, claims).SignedString(c.secret)
	if err != nil {
		return "", apperrors.Credential("token.sign", err)
	}
	return token, nil
}

func (c *Codec) parse(token string, claims jwt.Claims, subject, issuer, audience string) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithSubject(subject),
		jwt.WithAudience(audience),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, opts...)
	if err != nil {
		return apperrors.Credential("token.parse", err)
	}
	return nil
}

// NewRequest signs a request for the credentials of jobID.
func (c *Codec) NewRequest(jobID string) (string, error) {
	return c.sign(&requestClaims{
		JobID:            jobID,
		RegisteredClaims: c.registered(RequestSubject, ServiceName),
	})
}

// ParseRequest verifies a request addressed to this codec's party.
func (c *Codec) ParseRequest(token string) (*Request, error) {
	var claims requestClaims
	if err := c.parse(token, &claims, RequestSubject, "", c.name); err != nil {
		return nil, err
	}
	if claims.JobID == "" || claims.Issuer == "" {
		return nil, apperrors.Credential("token.parse", errors.New("request is missing id or iss"))
	}
	return &Request{JobID: claims.JobID, Requester: claims.Issuer}, nil
}

// NewResponse signs a response carrying sealed blobs for audience.
func (c *Codec) NewResponse(jobID, audience string, sealed map[string]string) (string, error) {
	return c.sign(&responseClaims{
		JobID:            jobID,
		Credentials:      sealed,
		RegisteredClaims: c.registered(ResponseSubject, audience),
	})
}

// ParseResponse verifies a response issued by the credentials service to
// this codec's party.
func (c *Codec) ParseResponse(token string) (*Response, error) {
	var claims responseClaims
	if err := c.parse(token, &claims, ResponseSubject, ServiceName, c.name); err != nil {
		return nil, err
	}
	if claims.JobID == "" {
		return nil, apperrors.Credential("token.parse", errors.New("response is missing id"))
	}
	return &Response{JobID: claims.JobID, Credentials: claims.Credentials}, nil
}

// Seal encrypts every payload with ring.
func Seal(ring *KeyRing, payloads map[string][]byte) (map[string]string, error) {
	out := make(map[string]string, len(payloads))
	for account, p := range payloads {
		blob, err := ring.Encrypt(p)
		if err != nil {
			return nil, err
		}
		out[account] = string(blob)
	}
	return out, nil
}

// Open decrypts every blob. One undecryptable blob fails the whole set.
func Open(ring *KeyRing, sealed map[string]string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(sealed))
	for account, blob := range sealed {
		p, err := ring.Decrypt([]byte(blob))
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", account, err)
		}
		out[account] = p
	}
	return out, nil
}
