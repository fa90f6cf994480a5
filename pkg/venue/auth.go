package venue

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthType selects the authentication method a venue expects.
type AuthType string

const (
	AuthTypeHMAC AuthType = "hmac"
	AuthTypeJWT  AuthType = "jwt"
)

// Authenticator adds venue credentials to an outbound request.
type Authenticator interface {
	AddAuthHeaders(req *http.Request, method, path, body string) error
}

// HMACAuthenticator signs requests with an API key/secret/passphrase triple.
type HMACAuthenticator struct {
	apiKey     string
	apiSecret  string
	passphrase string
}

func NewHMACAuthenticator(apiKey, apiSecret, passphrase string) *HMACAuthenticator {
	return &HMACAuthenticator{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
	}
}

func (a *HMACAuthenticator) AddAuthHeaders(req *http.Request, method, path, body string) error {
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	signature := ComputeHMAC(timestamp+method+path+body, a.apiSecret)

	req.Header.Set("X-ACCESS-KEY", a.apiKey)
	req.Header.Set("X-ACCESS-SIGN", signature)
	req.Header.Set("X-ACCESS-TIMESTAMP", timestamp)
	if a.passphrase != "" {
		req.Header.Set("X-ACCESS-PASSPHRASE", a.passphrase)
	}
	return nil
}

// ComputeHMAC returns the base64 HMAC-SHA256 of message under secret. Shared
// with the reconciliation feed's signature verification.
func ComputeHMAC(message, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// VerifyHMAC compares an expected signature in constant time.
func VerifyHMAC(message, secret, signature string) bool {
	expected := ComputeHMAC(message, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// JWTAuthenticator signs a short-lived ES256 bearer token per request.
type JWTAuthenticator struct {
	apiKeyName string
	privateKey *ecdsa.PrivateKey
}

func NewJWTAuthenticator(apiKeyName, privateKeyPEM string) (*JWTAuthenticator, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 format
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC private key: %w", err)
		}
		var ok bool
		privateKey, ok = key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an EC private key")
		}
	}

	return &JWTAuthenticator{
		apiKeyName: apiKeyName,
		privateKey: privateKey,
	}, nil
}

func (a *JWTAuthenticator) AddAuthHeaders(req *http.Request, method, path, body string) error {
	token, err := a.generateJWT(method, req.Host, path)
	if err != nil {
		return fmt.Errorf("failed to generate JWT: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (a *JWTAuthenticator) generateJWT(method, host, path string) (string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{
		"sub":   a.apiKeyName,
		"nbf":   time.Now().Unix(),
		"exp":   time.Now().Add(2 * time.Minute).Unix(),
		"uri":   method + " " + host + path,
		"nonce": nonce,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = a.apiKeyName
	token.Header["nonce"] = nonce

	tokenString, err := token.SignedString(a.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
