package notify

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequiresHostAndFrom(t *testing.T) {
	_, err := New(Config{From: "noreply@example.com"})
	require.Error(t, err)

	_, err = New(Config{Host: "smtp.example.com"})
	require.Error(t, err)
}

func TestNewDefaultsPort(t *testing.T) {
	n, err := New(Config{Host: "smtp.example.com", From: "noreply@example.com"})
	require.NoError(t, err)
	require.Equal(t, 465, n.cfg.Port)
}

func TestReminderBodyLinksToRenewal(t *testing.T) {
	var body bytes.Buffer
	err := reminderTmpl.Execute(&body, struct {
		Title     string
		Hostname  string
		PackageID int64
	}{
		Title:     "Camera lens",
		Hostname:  "https://parcelwatch.example.com",
		PackageID: 17,
	})
	require.NoError(t, err)
	require.Contains(t, body.String(), "Camera lens")
	require.Contains(t, body.String(), "https://parcelwatch.example.com/v1/packages/17/renew")
}

func TestSendHonorsCanceledContext(t *testing.T) {
	n, err := New(Config{Host: "smtp.example.com", From: "noreply@example.com"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, n.SendPackageReminder(ctx, "a@example.com", "Shoes", 3))
}

func TestNopDropsReminders(t *testing.T) {
	require.NoError(t, Nop{}.SendPackageReminder(context.Background(), "a@example.com", "Shoes", 3))
}
