package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates that sensitive keys are correctly identified as secrets to prevent them from being logged in plaintext.
// Scope: Unit Test
// Security: Data Masking and Leakage Prevention (CWE-532)
// Expected: Returns true for keys containing 'password', 'token', 'secret', 'signature', etc., and false for non-sensitive keys.
// Test Case ID: AUD-01
func TestAudit_IsSecret(t *testing.T) {
	tests := []struct {
		key      string
		isSecret bool
	}{
		{"password", true},
		{"Password", true},
		{"PASSWORD", true},
		{"token", true},
		{"access_token", true},
		{"secret", true},
		{"webhook_secret", true},
		{"api_key", true},
		{"hash", true},
		{"credential", true},
		{"X-Signature", true},
		{"user_id", false},
		{"tenant_id", false},
		{"email", false},
		{"status", false},
		{"search_session_id", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.isSecret, isSecret(tt.key))
		})
	}
}

// TestPurpose: Validates the in-memory recorder used to assert audit trails in service tests.
// Scope: Unit Test
// Expected: Events are kept in order and can be filtered by type.
// Test Case ID: AUD-02
func TestRecorder_OfType(t *testing.T) {
	rec := NewRecorder()
	ctx := context.Background()

	rec.Log(ctx, Event{Type: TypeRecordCreated, Resource: "accounts"})
	rec.Log(ctx, Event{Type: TypeAccessDenied, Resource: "deals"})
	rec.Log(ctx, Event{Type: TypeRecordCreated, Resource: "contacts"})

	created := rec.OfType(TypeRecordCreated)
	require.Len(t, created, 2)
	assert.Equal(t, "accounts", created[0].Resource)
	assert.Equal(t, "contacts", created[1].Resource)
	assert.Len(t, rec.Events(), 3)
}
