package app

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/orchestrator/internal/infra/memory"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
	"github.com/openctemio/orchestrator/pkg/domain/webhook"
	"github.com/openctemio/orchestrator/pkg/logger"
)

func TestWebhookService_ValidateURL(t *testing.T) {
	tests := []struct {
		name         string
		url          string
		allowPrivate bool
		wantErr      bool
	}{
		{name: "public https", url: "https://hooks.example.com/in"},
		{name: "public http", url: "http://hooks.example.com/in"},
		{name: "ftp scheme", url: "ftp://hooks.example.com", wantErr: true},
		{name: "no host", url: "https:///path", wantErr: true},
		{name: "localhost", url: "http://localhost:8080/hook", wantErr: true},
		{name: "loopback ip", url: "http://127.0.0.1/hook", wantErr: true},
		{name: "private ip", url: "http://10.1.2.3/hook", wantErr: true},
		{name: "metadata", url: "http://169.254.169.254/latest", wantErr: true},
		{name: "ipv6 loopback", url: "http://[::1]/hook", wantErr: true},
		{name: "localhost allowed", url: "http://localhost:8080/hook", allowPrivate: true},
		{name: "private allowed", url: "http://10.1.2.3/hook", allowPrivate: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewWebhookService(memory.NewWebhookRepository(), tt.allowPrivate, logger.NewNop())
			err := svc.validateURL(tt.url)
			if tt.wantErr {
				assert.ErrorIs(t, err, shared.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWebhookService_CreateGeneratesSecret(t *testing.T) {
	ctx := context.Background()
	svc := NewWebhookService(memory.NewWebhookRepository(), false, logger.NewNop())

	e, err := svc.CreateWebhook(ctx, CreateWebhookInput{
		Name:   "ci",
		URL:    "https://hooks.example.com/in",
		Events: []string{webhook.EventRunCompleted},
		Owner:  "alice",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(e.Secret(), "whsec_"))
	assert.Len(t, e.Secret(), len("whsec_")+64)
	assert.True(t, e.IsActive())

	other, err := svc.CreateWebhook(ctx, CreateWebhookInput{
		Name:   "ci-2",
		URL:    "https://hooks.example.com/in",
		Events: []string{webhook.EventRunCompleted},
	})
	require.NoError(t, err)
	assert.NotEqual(t, e.Secret(), other.Secret())
}

func TestWebhookService_CreateRejectsUnknownEvent(t *testing.T) {
	repo := memory.NewWebhookRepository()
	svc := NewWebhookService(repo, false, logger.NewNop())

	_, err := svc.CreateWebhook(context.Background(), CreateWebhookInput{
		URL:    "https://hooks.example.com/in",
		Events: []string{"run.exploded"},
	})
	assert.ErrorIs(t, err, shared.ErrValidation)

	list, err := repo.List(context.Background(), webhook.Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWebhookService_EnableClearsFailures(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewWebhookRepository()
	svc := NewWebhookService(repo, false, logger.NewNop())

	e, err := svc.CreateWebhook(ctx, CreateWebhookInput{
		URL:    "https://hooks.example.com/in",
		Events: []string{webhook.EventRunFailed},
	})
	require.NoError(t, err)
	for range webhook.DefaultFailureThreshold {
		_, err := repo.RecordFailure(ctx, e.ID(), webhook.DefaultFailureThreshold)
		require.NoError(t, err)
	}
	disabled, err := svc.GetWebhook(ctx, e.ID().String())
	require.NoError(t, err)
	require.False(t, disabled.IsActive())

	enabled, err := svc.EnableWebhook(ctx, e.ID().String())
	require.NoError(t, err)
	assert.True(t, enabled.IsActive())
	assert.Zero(t, enabled.FailureCount())

	stored, err := svc.GetWebhook(ctx, e.ID().String())
	require.NoError(t, err)
	assert.True(t, stored.IsActive())
	assert.Zero(t, stored.FailureCount())
}

func TestWebhookService_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	svc := NewWebhookService(memory.NewWebhookRepository(), false, logger.NewNop())

	e, err := svc.CreateWebhook(ctx, CreateWebhookInput{
		URL:    "https://hooks.example.com/in",
		Events: []string{webhook.EventRunFailed},
	})
	require.NoError(t, err)

	private := "http://192.168.1.10/hook"
	_, err = svc.UpdateWebhook(ctx, e.ID().String(), UpdateWebhookInput{URL: &private})
	assert.ErrorIs(t, err, shared.ErrValidation)

	name := "renamed"
	updated, err := svc.UpdateWebhook(ctx, e.ID().String(), UpdateWebhookInput{
		Name:   &name,
		Events: []string{webhook.EventRunCompleted, webhook.EventScheduleTriggered},
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name())
	assert.True(t, updated.Subscribes(webhook.EventScheduleTriggered))
	assert.False(t, updated.Subscribes(webhook.EventRunFailed))

	require.NoError(t, svc.DeleteWebhook(ctx, e.ID().String()))
	_, err = svc.GetWebhook(ctx, e.ID().String())
	assert.ErrorIs(t, err, webhook.ErrEndpointNotFound)
}
