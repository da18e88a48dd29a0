package middleware

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testKeys(t *testing.T) []AdminKey {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-key"), bcrypt.MinCost)
	require.NoError(t, err)
	return []AdminKey{{Name: "ops", Hash: hash}}
}

func newAuthApp(keys []AdminKey) *fiber.App {
	app := fiber.New()
	app.Get("/admin", AdminKeyAuth(keys), func(c *fiber.Ctx) error {
		return c.SendString(Actor(c))
	})
	return app
}

func TestAdminKeyAuth(t *testing.T) {
	app := newAuthApp(testKeys(t))

	tests := []struct {
		name   string
		header string
		value  string
		status int
		body   string
	}{
		{"x-api-key", "X-API-Key", "s3cret-key", fiber.StatusOK, "ops"},
		{"bearer", "Authorization", "Bearer s3cret-key", fiber.StatusOK, "ops"},
		{"wrong key", "X-API-Key", "guess", fiber.StatusUnauthorized, ""},
		{"missing", "", "", fiber.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.body != "" {
				body, _ := io.ReadAll(resp.Body)
				assert.Equal(t, tt.body, string(body))
			}
		})
	}
}

func TestAdminKeyAuth_NoKeysConfigured(t *testing.T) {
	app := newAuthApp(nil)
	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("X-API-Key", "anything")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestLoadAdminKeys(t *testing.T) {
	t.Setenv("ADMIN_API_KEYS", "alice:$2a$10$abc, broken ,bob:$2a$10$def")
	t.Setenv("ADMIN_API_KEY_HASH", "$2a$10$ghi")

	keys := LoadAdminKeys()
	require.Len(t, keys, 3)
	assert.Equal(t, "alice", keys[0].Name)
	assert.Equal(t, "bob", keys[1].Name)
	assert.Equal(t, "admin", keys[2].Name)
	assert.Equal(t, "$2a$10$ghi", string(keys[2].Hash))
}
