package compliance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-arbiter/models"
	"go.uber.org/zap"
)

func TestCheckModelCompliance(t *testing.T) {
	c := NewChecker(zap.NewNop())
	euModel := models.Model{ID: "eu", SupportedRegions: []string{"eu-west-1"}, EncryptsAtRest: true}
	usPlain := models.Model{ID: "us", SupportedRegions: []string{"us-east-1"}}

	tests := []struct {
		name      string
		model     models.Model
		flags     models.ComplianceFlags
		compliant bool
	}{
		{"no flags", usPlain, models.ComplianceFlags{}, true},
		{"residency met", euModel, models.ComplianceFlags{DataResidency: "eu-west-1"}, true},
		{"residency missed", usPlain, models.ComplianceFlags{DataResidency: "eu-west-1"}, false},
		{"encryption met", euModel, models.ComplianceFlags{EncryptionAtRestRegion: "eu-west-1"}, true},
		{"no encryption", usPlain, models.ComplianceFlags{EncryptionAtRestRegion: "us-east-1"}, false},
		{"encryption wrong region", euModel, models.ComplianceFlags{EncryptionAtRestRegion: "us-east-1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.CheckModelCompliance(context.Background(), tt.model, models.ArbitrationContext{Compliance: tt.flags})
			require.NoError(t, err)
			assert.Equal(t, tt.compliant, res.IsCompliant)
			assert.Equal(t, tt.compliant, len(res.Violations) == 0)
		})
	}
}

func TestCheckRequestCompliance(t *testing.T) {
	c := NewChecker(zap.NewNop())
	req := &models.CompletionRequest{ID: "r1", Messages: []models.Message{{Role: "user", Content: "mail me at jane@example.com"}}}

	res, err := c.CheckRequestCompliance(context.Background(), req, models.ArbitrationContext{})
	require.NoError(t, err)
	assert.True(t, res.IsCompliant)

	res, err = c.CheckRequestCompliance(context.Background(), req, models.ArbitrationContext{Compliance: models.ComplianceFlags{ProhibitPII: true}})
	require.NoError(t, err)
	assert.False(t, res.IsCompliant)
	assert.Equal(t, []string{"pii detected: email"}, res.Violations)
}

func TestCheck_RespectsCancellation(t *testing.T) {
	c := NewChecker(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.CheckModelCompliance(ctx, models.Model{}, models.ArbitrationContext{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetectPII(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []PIIType
	}{
		{"clean", "summarize this quarterly report", []PIIType{}},
		{"email", "contact a.b@corp.io", []PIIType{PIIEmail}},
		{"ssn", "ssn 123-45-6789", []PIIType{PIISSN}},
		{"phone", "call (555) 123-4567 today", []PIIType{PIIPhone}},
		{"valid card", "card 4111 1111 1111 1111", []PIIType{PIICreditCard}},
		{"invalid card", "order 4111 1111 1111 1112", []PIIType{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectPII(tt.text))
		})
	}
}
