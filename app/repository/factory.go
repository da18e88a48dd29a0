package repository

import (
	"sync"
	"sync/atomic"

	"gorm.io/gorm"
)

// Factory hands out the settlement, expense, adjustment and broadcast
// repositories bound to one database handle. They are built on first use.
type Factory struct {
	db    *gorm.DB
	repos *Repositories
	once  sync.Once
}

func NewFactory(db *gorm.DB) *Factory {
	return &Factory{db: db}
}

// Repositories returns the same set on every call.
func (f *Factory) Repositories() *Repositories {
	f.once.Do(func() {
		f.repos = NewRepositories(f.db)
	})
	return f.repos
}

var global atomic.Pointer[Factory]

// InitializeFactory installs the process-wide factory. Later calls keep the
// first database handle and return the installed factory.
func InitializeFactory(db *gorm.DB) *Factory {
	global.CompareAndSwap(nil, NewFactory(db))
	return global.Load()
}

// GetGlobalRepositories panics when InitializeFactory has not run.
func GetGlobalRepositories() *Repositories {
	f := global.Load()
	if f == nil {
		panic("repository: InitializeFactory must run before GetGlobalRepositories")
	}
	return f.Repositories()
}
