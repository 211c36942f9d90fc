package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/core_comms/repository/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var sentAt = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// seedSent stores a communication that the provider has accepted.
func seedSent(t *testing.T, repo *memory.CommunicationRepository, id, providerName, providerMsgID string) {
	t.Helper()
	at := sentAt
	require.NoError(t, repo.Create(context.Background(), &domain.Communication{
		ID:                id,
		Type:              domain.TypeEmail,
		Status:            domain.StatusSent,
		Priority:          domain.PriorityNormal,
		To:                []domain.Recipient{{Address: "tenant@example.com"}},
		Content:           domain.Content{Subject: "s", Text: "t"},
		Provider:          providerName,
		ProviderMessageID: providerMsgID,
		SentAt:            &at,
		DeliveryStatus:    domain.DeliveryStatus{State: domain.DeliveryAccepted},
		CreatedAt:         at,
		UpdatedAt:         at,
	}))
}

func get(t *testing.T, repo *memory.CommunicationRepository, id string) *domain.Communication {
	t.Helper()
	c, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return c
}

func tsPtr(t time.Time) *domain.FlexTime {
	return &domain.FlexTime{Time: t}
}
