package cryptogram

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"imagegen-payment-api/models"
)

var (
	ErrSdkUnavailable             = errors.New("payment sdk unavailable")
	ErrCryptogramGenerationFailed = errors.New("cryptogram generation failed")
)

const cryptogramFormat = "02"

type publicKey struct {
	key     *rsa.PublicKey
	version int
}

type publicKeyResponse struct {
	Pem     string `json:"Pem"`
	Version int    `json:"Version"`
}

// Generator turns card fields into an opaque cryptogram packet the payment
// proxy can charge. The merchant public key is fetched on first use.
type Generator struct {
	publicID    string
	keyURL      string
	loadTimeout time.Duration
	httpClient  *http.Client
	logger      *zap.Logger
	now         func() time.Time

	mu  sync.Mutex
	key *publicKey
}

func NewGenerator(publicID, keyURL string, loadTimeout time.Duration, client *http.Client, logger *zap.Logger) *Generator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if loadTimeout <= 0 {
		loadTimeout = 5 * time.Second
	}
	return &Generator{
		publicID:    publicID,
		keyURL:      keyURL,
		loadTimeout: loadTimeout,
		httpClient:  client,
		logger:      logger,
		now:         time.Now,
	}
}

// Create returns a fresh cryptogram for card. Every call encrypts again, so a
// resubmitted form never reuses an old packet.
func (g *Generator) Create(ctx context.Context, card models.CardData) (string, error) {
	if err := ValidateCard(card, g.now()); err != nil {
		return "", fmt.Errorf("%w: %w", ErrCryptogramGenerationFailed, err)
	}

	key, err := g.ensureLoaded(ctx)
	if err != nil {
		return "", err
	}

	number := digitsOnly(card.Number)
	yymm, err := expiryYYMM(card.ExpMonth, card.ExpYear)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCryptogramGenerationFailed, err)
	}

	plaintext := strings.Join([]string{number, yymm, strings.TrimSpace(card.CVV), g.publicID}, "@")
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, key.key, []byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCryptogramGenerationFailed, err)
	}

	var b strings.Builder
	b.WriteString(cryptogramFormat)
	b.WriteString(number[:6])
	b.WriteString(number[len(number)-4:])
	b.WriteString(yymm)
	b.WriteString(strconv.Itoa(key.version))
	b.WriteString(base64.StdEncoding.EncodeToString(ciphertext))
	return b.String(), nil
}

// ensureLoaded fetches the public key once. A failed load is not cached so
// the next submission tries again.
func (g *Generator) ensureLoaded(ctx context.Context) (*publicKey, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.key != nil {
		return g.key, nil
	}

	loadCtx, cancel := context.WithTimeout(ctx, g.loadTimeout)
	defer cancel()

	key, err := g.fetchKey(loadCtx)
	if err != nil {
		g.logger.Warn("payment sdk key load failed", zap.String("url", g.keyURL), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrSdkUnavailable, err)
	}

	g.logger.Info("payment sdk key loaded", zap.Int("version", key.version))
	g.key = key
	return key, nil
}

func (g *Generator) fetchKey(ctx context.Context) (*publicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.keyURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build key request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch key: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("key endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var payload publicKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode key response: %w", err)
	}

	block, _ := pem.Decode([]byte(payload.Pem))
	if block == nil {
		return nil, errors.New("key response carries no PEM block")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}

	return &publicKey{key: rsaKey, version: payload.Version}, nil
}
