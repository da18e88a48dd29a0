package cache

import (
	"net"
	"strconv"

	redisstorage "github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// LimiterDatabase keeps rate-limit counters apart from queue and
// idempotency keys in DB 0.
const LimiterDatabase = 1

// NewFiberStorage returns a fiber.Storage on the same Redis server as the
// shared client, using the given logical database. It panics when Redis is
// unreachable.
func NewFiberStorage(database int) *redisstorage.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if c := GetClient(); c != nil {
		if h, p, err := net.SplitHostPort(c.Options().Addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := c.Options().Password; p != "" {
			password = p
		}
	}

	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: database,
		Reset:    false,
	})
}
