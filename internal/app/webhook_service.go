package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/openctemio/orchestrator/pkg/domain/shared"
	"github.com/openctemio/orchestrator/pkg/domain/webhook"
	"github.com/openctemio/orchestrator/pkg/logger"
)

// WebhookService provides business logic for webhook endpoint management.
type WebhookService struct {
	repo         webhook.Repository
	allowPrivate bool
	logger       *logger.Logger
}

// NewWebhookService creates a new WebhookService. allowPrivate permits
// loopback and private-network URLs, for local development.
func NewWebhookService(repo webhook.Repository, allowPrivate bool, log *logger.Logger) *WebhookService {
	return &WebhookService{
		repo:         repo,
		allowPrivate: allowPrivate,
		logger:       log.With("service", "webhook"),
	}
}

// CreateWebhookInput represents input for creating a webhook endpoint.
type CreateWebhookInput struct {
	Name   string   `json:"name" validate:"max=255"`
	URL    string   `json:"url" validate:"required,url,max=1000"`
	Secret string   `json:"secret" validate:"omitempty,min=16,max=500"`
	Events []string `json:"events" validate:"required,min=1,max=20,dive,webhook_event"`
	Owner  string   `json:"-"`
}

// CreateWebhook creates an endpoint. A random secret is generated when none is given.
func (s *WebhookService) CreateWebhook(ctx context.Context, input CreateWebhookInput) (*webhook.Endpoint, error) {
	if err := s.validateURL(input.URL); err != nil {
		return nil, err
	}
	secret := input.Secret
	if secret == "" {
		generated, err := generateSecret()
		if err != nil {
			return nil, err
		}
		secret = generated
	}

	e, err := webhook.NewEndpoint(input.Owner, input.Name, input.URL, input.Events, secret)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, e); err != nil {
		return nil, err
	}

	s.logger.Info("webhook created", "id", e.ID().String(), "owner", e.Owner(), "events", e.Events())
	return e, nil
}

// GetWebhook returns an endpoint by id.
func (s *WebhookService) GetWebhook(ctx context.Context, id string) (*webhook.Endpoint, error) {
	endpointID, err := shared.IDFromString(id)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, endpointID)
}

// ListWebhooks returns endpoints of owner, or all when owner is empty.
func (s *WebhookService) ListWebhooks(ctx context.Context, owner string) ([]*webhook.Endpoint, error) {
	return s.repo.List(ctx, webhook.Filter{Owner: owner})
}

// UpdateWebhookInput represents a partial endpoint update.
type UpdateWebhookInput struct {
	Name   *string  `json:"name" validate:"omitempty,max=255"`
	URL    *string  `json:"url" validate:"omitempty,url,max=1000"`
	Secret *string  `json:"secret" validate:"omitempty,min=16,max=500"`
	Events []string `json:"events" validate:"omitempty,min=1,max=20,dive,webhook_event"`
}

// UpdateWebhook applies a partial update.
func (s *WebhookService) UpdateWebhook(ctx context.Context, id string, input UpdateWebhookInput) (*webhook.Endpoint, error) {
	e, err := s.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	if input.URL != nil {
		if err := s.validateURL(*input.URL); err != nil {
			return nil, err
		}
		e.SetURL(*input.URL)
	}
	if input.Name != nil {
		e.SetName(*input.Name)
	}
	if input.Secret != nil && *input.Secret != "" {
		e.SetSecret(*input.Secret)
	}
	if input.Events != nil {
		if err := e.SetEvents(input.Events); err != nil {
			return nil, err
		}
	}
	if err := s.repo.Update(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Info("webhook updated", "id", e.ID().String())
	return e, nil
}

// EnableWebhook re-activates an endpoint and clears its failure count.
func (s *WebhookService) EnableWebhook(ctx context.Context, id string) (*webhook.Endpoint, error) {
	e, err := s.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Enable()
	if err := s.repo.Update(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Info("webhook enabled", "id", e.ID().String())
	return e, nil
}

// DisableWebhook deactivates an endpoint.
func (s *WebhookService) DisableWebhook(ctx context.Context, id string) (*webhook.Endpoint, error) {
	e, err := s.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Disable()
	if err := s.repo.Update(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Info("webhook disabled", "id", e.ID().String())
	return e, nil
}

// DeleteWebhook removes an endpoint.
func (s *WebhookService) DeleteWebhook(ctx context.Context, id string) error {
	endpointID, err := shared.IDFromString(id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, endpointID); err != nil {
		return err
	}
	s.logger.Info("webhook deleted", "id", id)
	return nil
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(b), nil
}

// validateURL rejects non-HTTP schemes and, unless private targets are
// allowed, loopback, private and metadata addresses.
func (s *WebhookService) validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return shared.NewValidationError("invalid URL")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" && scheme != "http" {
		return shared.NewValidationError("webhook URL must use HTTPS or HTTP")
	}

	host := u.Hostname()
	if host == "" {
		return shared.NewValidationError("webhook URL must have a hostname")
	}
	if s.allowPrivate {
		return nil
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || lower == "0.0.0.0" {
		return shared.NewValidationError("webhook URL cannot target localhost")
	}
	if lower == "169.254.169.254" || lower == "metadata.google.internal" {
		return shared.NewValidationError("webhook URL cannot target cloud metadata services")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return shared.NewValidationError("webhook URL cannot target private or reserved IP addresses")
		}
	}
	return nil
}
