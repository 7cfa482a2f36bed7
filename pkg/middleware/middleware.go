package middleware

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-escrow/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit   = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	statusLimit = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

// Limits sets the rate for state-changing auction and refund calls.
type Limits struct {
	PerSecond float64
	Burst     int
}

func getLimiter(method, path, clientKey string, limits Limits) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientKey + ":" + method + ":" + path
	v, exists := visitors[key]

	if !exists {
		limit, burst := rate.Inf, 1
		switch {
		case strings.HasPrefix(path, "/api/v1/auth"):
			limit = authLimit
		case strings.HasPrefix(path, "/api/v1/auctions"), strings.HasPrefix(path, "/api/v1/refunds"):
			if method == "GET" {
				limit = statusLimit
			} else if limits.PerSecond > 0 {
				limit, burst = rate.Limit(limits.PerSecond), max(limits.Burst, 1)
			}
		}

		v = &visitor{
			limiter:  rate.NewLimiter(limit, burst),
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

// RateLimit limits each caller per route. Callers are keyed by wallet address
// when an earlier handler set one, by IP otherwise.
func RateLimit(limits Limits) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.GetString("address")
		if clientKey == "" {
			clientKey = c.ClientIP()
		}

		limiter := getLimiter(c.Request.Method, c.FullPath(), clientKey, limits)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth requires a bearer token carrying a wallet address
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := parseBearer(c, secret)
		if err != nil {
			return
		}

		// Ensure required claims exist
		requiredClaims := []string{"address", "exp"}
		for _, claim := range requiredClaims {
			if _, exists := claims[claim]; !exists {
				response.Unauthorized(c, fmt.Sprintf("Missing required claim: %s", claim))
				c.Abort()
				return
			}
		}

		address, ok := claims["address"].(string)
		if !ok || address == "" {
			response.Unauthorized(c, "Invalid wallet address in token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("address", address)
		if clientID, ok := claims["client_id"].(string); ok {
			c.Set("clientID", clientID)
		}

		c.Next()
	}
}

// InternalAuth admits operators: either the shared internal token in
// X-Internal-Token, or a JWT carrying the internal permission.
func InternalAuth(secret, internalToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if internalToken != "" {
			if header := c.GetHeader("X-Internal-Token"); header != "" {
				if subtle.ConstantTimeCompare([]byte(header), []byte(internalToken)) != 1 {
					response.Unauthorized(c, "Invalid internal token")
					c.Abort()
					return
				}
				c.Next()
				return
			}
		}

		claims, err := parseBearer(c, secret)
		if err != nil {
			return
		}
		if !hasPermission(claims, "internal") {
			response.Forbidden(c, "Internal permission required")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		if address, ok := claims["address"].(string); ok {
			c.Set("address", address)
		}
		c.Next()
	}
}

// parseBearer validates the Authorization header. On failure it has already
// written the response and aborted.
func parseBearer(c *gin.Context, secret string) (jwt.MapClaims, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, fmt.Errorf("authorization header required")
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, fmt.Errorf("invalid authorization header format")
	}

	token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		response.Unauthorized(c, "Invalid token claims")
		c.Abort()
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

func hasPermission(claims jwt.MapClaims, permission string) bool {
	perms, ok := claims["permissions"].([]interface{})
	if !ok {
		return false
	}
	for _, p := range perms {
		if s, ok := p.(string); ok && s == permission {
			return true
		}
	}
	return false
}
