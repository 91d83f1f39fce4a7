package logging

import (
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttributeConstructors(t *testing.T) {
	tests := []struct {
		name    string
		attr    slog.Attr
		wantKey string
		wantVal string
	}{
		{"operation", Operation("auth.start"), KeyOperation, "auth.start"},
		{"provider", Provider("jmapproxy"), KeyProvider, "jmapproxy"},
		{"method", Method("getMailboxes"), KeyMethod, "getMailboxes"},
		{"call id", CallID("#1"), KeyCallID, "#1"},
		{"status", Status(StatusSuccess), KeyStatus, "success"},
		{"error", Err(errors.New("boom")), KeyError, "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantKey, tt.attr.Key)
			assert.Equal(t, tt.wantVal, tt.attr.Value.String())
		})
	}
}

func TestErr_Nil(t *testing.T) {
	attr := Err(nil)
	assert.Equal(t, "", attr.Key)
	assert.Equal(t, slog.KindGroup, attr.Value.Kind())
}

func TestAnonymizeUser(t *testing.T) {
	assert.Equal(t, "", AnonymizeUser(""))

	a := AnonymizeUser("alice@example.com")
	b := AnonymizeUser("alice@example.com")
	c := AnonymizeUser("bob@example.com")

	assert.Equal(t, a, b, "hash must be stable")
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "user:"))
	assert.Len(t, a, len("user:")+16)
	assert.NotContains(t, a, "alice")
}

func TestUserHash(t *testing.T) {
	attr := UserHash("alice")
	assert.Equal(t, KeyUserHash, attr.Key)
	assert.Equal(t, AnonymizeUser("alice"), attr.Value.String())
}

func TestSanitizeToken(t *testing.T) {
	tests := []struct {
		token string
		want  string
	}{
		{"", "<empty>"},
		{"abc", "[token:3 chars]"},
		{"q2VxYmYtZXhhbXBsZS10b2tlbi12YWx1ZQ", "[token:34 chars]"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeToken(tt.token))
	}

	attr := LoginID("secret-token")
	assert.Equal(t, KeyLoginID, attr.Key)
	assert.NotContains(t, attr.Value.String(), "secret")
}

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"user@example.com", "example.com"},
		{"plainuser", ""},
		{"", ""},
		{"a@b@c", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractDomain(tt.in))
		})
	}

	assert.Equal(t, "example.com", Domain("x@example.com").Value.String())
}
