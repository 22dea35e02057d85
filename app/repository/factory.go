package repository

import (
	"sync"

	"gorm.io/gorm"
)

var (
	globalRepos *Repositories
	reposOnce   sync.Once
)

// InitializeFactory builds the process-wide repositories on db. Later calls
// are no-ops.
func InitializeFactory(db *gorm.DB) {
	reposOnce.Do(func() { globalRepos = NewRepositories(db) })
}

// InitializeMemoryFactory is InitializeFactory for the in-process store.
func InitializeMemoryFactory() {
	reposOnce.Do(func() { globalRepos = NewMemoryRepositories() })
}

// GetGlobalRepositories panics when neither initializer has run.
func GetGlobalRepositories() *Repositories {
	if globalRepos == nil {
		panic("repositories not initialized: call InitializeFactory first")
	}
	return globalRepos
}
