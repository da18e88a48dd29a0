package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// KeyActor is the fiber local holding the authenticated admin name.
const KeyActor = "ADMIN_ACTOR"

// AdminKey is a named bcrypt hash of an admin API key.
type AdminKey struct {
	Name string
	Hash []byte
}

// LoadAdminKeys reads ADMIN_API_KEYS ("name:bcrypt-hash,...") and falls back
// to a single ADMIN_API_KEY_HASH named "admin".
func LoadAdminKeys() []AdminKey {
	var keys []AdminKey
	for _, entry := range strings.Split(env.GetEnv("ADMIN_API_KEYS", ""), ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, hash, ok := strings.Cut(entry, ":")
		if !ok || name == "" || hash == "" {
			log.Warnf("[Auth] Ignoring malformed ADMIN_API_KEYS entry")
			continue
		}
		keys = append(keys, AdminKey{Name: name, Hash: []byte(hash)})
	}
	if hash := strings.TrimSpace(env.GetEnv("ADMIN_API_KEY_HASH", "")); hash != "" {
		keys = append(keys, AdminKey{Name: "admin", Hash: []byte(hash)})
	}
	return keys
}

// AdminKeyAuth authenticates requests carrying an admin API key header and
// stores the key's name as the acting admin.
func AdminKeyAuth(keys []AdminKey) fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}
		if len(keys) == 0 {
			log.Error("[Auth] No admin API keys configured")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}

		for _, k := range keys {
			if bcrypt.CompareHashAndPassword(k.Hash, []byte(apiKey)) == nil {
				c.Locals(KeyActor, k.Name)
				return c.Next()
			}
		}
		log.Warnf("[Auth] Rejected admin API key from %s", c.IP())
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
	}
}

// Actor returns the authenticated admin name, empty outside AdminKeyAuth.
func Actor(c *fiber.Ctx) string {
	if v, ok := c.Locals(KeyActor).(string); ok {
		return v
	}
	return ""
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
