package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ksred/klear-escrow/internal/clock"
	"github.com/ksred/klear-escrow/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidAddress     = errors.New("invalid wallet address")
	ErrChallengeExpired   = errors.New("no live challenge for this address")
	ErrInvalidSignature   = errors.New("signature does not match address")
)

// Demo credentials, registered outside production
var (
	TestAPIKey    = "test-api-key"
	TestAPISecret = "test-api-secret"
	TestAccounts  = 5
)

const (
	PermissionBid      = "bid"
	PermissionInternal = "internal"

	challengeTTL = 5 * time.Minute
)

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Address    string    `json:"address"`
	Expiration time.Time `json:"expiration"`
}

// Challenge is the message a wallet signs to log in
type Challenge struct {
	Address   string    `json:"address"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SignedChallenge is a wallet's personal_sign answer to a Challenge
type SignedChallenge struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	Address     string   `json:"address"`
	ClientID    string   `json:"client_id,omitempty"`
	Permissions []string `json:"permissions"`
}

type apiCredential struct {
	secret      string
	address     string
	permissions []string
}

// Service issues tokens bound to a wallet address
type Service struct {
	jwtSecret []byte
	ttl       time.Duration
	clock     clock.Clock

	mu             sync.Mutex
	apiCredentials map[string]apiCredential
	challenges     map[string]Challenge
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string, ttl time.Duration, clk clock.Clock) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		ttl:            ttl,
		clock:          clk,
		apiCredentials: make(map[string]apiCredential),
		challenges:     make(map[string]Challenge),
	}
}

// GenerateToken generates a JWT token for valid API credentials
// The token acts for the wallet address the credentials were registered with
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	s.mu.Lock()
	cred, exists := s.apiCredentials[creds.APIKey]
	s.mu.Unlock()
	if !exists || cred.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}
	return s.issue(cred.address, creds.APIKey, cred.permissions)
}

// IssueChallenge returns a fresh message for address to sign.
func (s *Service) IssueChallenge(address string) (*Challenge, error) {
	if !common.IsHexAddress(address) {
		return nil, ErrInvalidAddress
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	key := normalize(address)
	challenge := Challenge{
		Address:   key,
		Message:   fmt.Sprintf("Sign in to Klear Escrow\naddress: %s\nnonce: %s", key, hex.EncodeToString(nonce)),
		ExpiresAt: s.clock.Now().Add(challengeTTL),
	}
	s.mu.Lock()
	s.challenges[key] = challenge
	s.mu.Unlock()
	return &challenge, nil
}

// VerifyChallenge checks a personal_sign signature over the live challenge and
// issues a token for the recovered address. A challenge is usable once.
func (s *Service) VerifyChallenge(signed SignedChallenge) (*TokenResponse, error) {
	key := normalize(signed.Address)

	s.mu.Lock()
	challenge, ok := s.challenges[key]
	delete(s.challenges, key)
	s.mu.Unlock()
	if !ok || !s.clock.Now().Before(challenge.ExpiresAt) {
		return nil, ErrChallengeExpired
	}

	sig, err := hexutil.Decode(signed.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return nil, ErrInvalidSignature
	}
	// Wallets return V as 27/28.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(challenge.Message)), sig)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	if normalize(crypto.PubkeyToAddress(*pub).Hex()) != key {
		return nil, ErrInvalidSignature
	}
	return s.issue(key, "", []string{PermissionBid})
}

func (s *Service) issue(address, clientID string, permissions []string) (*TokenResponse, error) {
	now := s.clock.Now()
	expiration := now.Add(s.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		Address:     address,
		ClientID:    clientID,
		Permissions: permissions,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Address:    address,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
// Verifies token signature and expiration
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.clock.Now))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

// RegisterAPICredentials registers API credentials acting for address
func (s *Service) RegisterAPICredentials(apiKey, apiSecret, address string, permissions ...string) error {
	if !common.IsHexAddress(address) {
		return ErrInvalidAddress
	}
	if len(permissions) == 0 {
		permissions = []string{PermissionBid}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiCredentials[apiKey] = apiCredential{
		secret:      apiSecret,
		address:     normalize(address),
		permissions: permissions,
	}
	return nil
}

// TestAccount returns the demo API key for account n and the address it acts for
func TestAccount(n int) (apiKey, address string) {
	return fmt.Sprintf("%s-%d", TestAPIKey, n), fmt.Sprintf("0x%040x", 0xb1d000+n)
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
// Request body should contain API credentials
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if err == ErrInvalidCredentials {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// ChallengeHandler handles POST requests for a wallet login challenge
// Request body: {"address": "0x..."}
func (h *GinHandlers) ChallengeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Address string `json:"address" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		challenge, err := h.service.IssueChallenge(body.Address)
		if errors.Is(err, ErrInvalidAddress) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, challenge, err)
	}
}

// VerifyHandler handles POST requests exchanging a signed challenge for a token
func (h *GinHandlers) VerifyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var signed SignedChallenge
		if err := c.ShouldBindJSON(&signed); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.VerifyChallenge(signed)
		if errors.Is(err, ErrChallengeExpired) || errors.Is(err, ErrInvalidSignature) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// GetAddress returns the wallet address the request was authenticated as
// Returns empty string if there is none
func GetAddress(c *gin.Context) string {
	if address := c.GetString("address"); address != "" {
		return address
	}
	claims, _ := c.Get("claims")
	if jwtClaims, ok := claims.(jwt.MapClaims); ok {
		if address, ok := jwtClaims["address"].(string); ok {
			return address
		}
	}
	return ""
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
