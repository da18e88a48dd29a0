package jobqueue

import (
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/ManuelReschke/PayFox/internal/pkg/cache"
)

func resetManager(t *testing.T) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache.SetClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	globalManager = nil
	managerOnce = sync.Once{}
}

func TestGetManager(t *testing.T) {
	resetManager(t)

	manager1 := GetManager()
	manager2 := GetManager()

	assert.NotNil(t, manager1)
	assert.Same(t, manager1, manager2, "GetManager should return the same instance")

	assert.NotNil(t, manager1.queue)
	assert.NotNil(t, manager1.stopCh)
	assert.False(t, manager1.running)
	assert.Equal(t, 5, manager1.queue.workers)
}

func TestManager_GetQueue(t *testing.T) {
	resetManager(t)

	manager := GetManager()
	assert.Same(t, manager.queue, manager.GetQueue())
}

func TestManager_StartStop(t *testing.T) {
	resetManager(t)
	manager := GetManager()

	assert.False(t, manager.IsRunning())
	manager.Start()
	assert.True(t, manager.IsRunning())
	manager.Start()
	assert.True(t, manager.IsRunning())

	manager.Stop()
	assert.False(t, manager.IsRunning())

	// Restart after stop uses a fresh stop channel.
	manager.Start()
	assert.True(t, manager.IsRunning())
	manager.Stop()
	assert.False(t, manager.IsRunning())
}

func TestManager_StopWithoutStart(t *testing.T) {
	resetManager(t)
	manager := GetManager()

	manager.Stop()
	assert.False(t, manager.IsRunning())
}

func TestManagerSingletonReset(t *testing.T) {
	resetManager(t)
	manager1 := GetManager()

	globalManager = nil
	managerOnce = sync.Once{}
	manager2 := GetManager()

	assert.NotSame(t, manager1, manager2)
}
