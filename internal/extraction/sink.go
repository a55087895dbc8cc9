package extraction

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

//go:generate mockgen -destination=mocks/mock_sink.go -package=mocks github.com/shehryarbajwa/portalrelay/internal/extraction Sink

// Sink receives successful extraction results for import.
type Sink interface {
	Publish(ctx context.Context, owner string, res *models.ExtractionResult) error
}

// LogSink only records that a result was produced.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("sink")}
}

func (s *LogSink) Publish(_ context.Context, owner string, res *models.ExtractionResult) error {
	s.logger.Info("extraction result ready",
		zap.String("owner", owner),
		zap.String("platform", res.Platform),
		zap.Int("drivers", res.TotalMotoristas),
		zap.Stringer("total", res.TotalRendimentos))
	return nil
}

// WebhookPayload is the body POSTed to the import webhook.
type WebhookPayload struct {
	OwnerUserID string                   `json:"owner_user_id"`
	Result      *models.ExtractionResult `json:"result"`
}

// WebhookSink POSTs results as JSON. When a secret is configured each
// request carries a short-lived HS256 bearer token for the owner.
type WebhookSink struct {
	url    string
	secret []byte
	client *http.Client
	logger *zap.Logger
}

func NewWebhookSink(url, secret string, timeout time.Duration, logger *zap.Logger) *WebhookSink {
	s := &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.Named("sink"),
	}
	if secret != "" {
		s.secret = []byte(secret)
	}
	return s
}

func (s *WebhookSink) token(owner string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    "portalrelay",
		Subject:   owner,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *WebhookSink) Publish(ctx context.Context, owner string, res *models.ExtractionResult) error {
	body, err := json.Marshal(WebhookPayload{OwnerUserID: owner, Result: res})
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != nil {
		tok, err := s.token(owner, time.Now())
		if err != nil {
			return fmt.Errorf("failed to sign webhook token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	s.logger.Debug("result delivered", zap.String("owner", owner), zap.String("platform", res.Platform))
	return nil
}
