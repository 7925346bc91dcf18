// Package memory implements every repository in process memory. It backs
// service tests and local runs without a database; its semantics follow
// the postgres store, including the write guard and the atomic
// provisioning and completion steps.
package memory

import (
	"sync"

	"github.com/opentrusty/opencrm/internal/crm"
	"github.com/opentrusty/opencrm/internal/search"
	"github.com/opentrusty/opencrm/internal/tenant"
)

// DB holds all rows behind one lock so multi-table steps are atomic.
type DB struct {
	mu sync.Mutex

	tenants     map[string]*tenant.Tenant
	profiles    map[string]*tenant.Profile
	memberships map[string]*tenant.Membership // key: tenantID/userID

	records map[crm.Entity]map[string]crm.Record

	sessions map[string]*search.Session
	results  map[string][]*search.Result
}

// New creates an empty database.
func New() *DB {
	db := &DB{
		tenants:     map[string]*tenant.Tenant{},
		profiles:    map[string]*tenant.Profile{},
		memberships: map[string]*tenant.Membership{},
		records:     map[crm.Entity]map[string]crm.Record{},
		sessions:    map[string]*search.Session{},
		results:     map[string][]*search.Result{},
	}
	for _, e := range crm.Entities {
		db.records[e] = map[string]crm.Record{}
	}
	return db
}

func membershipKey(tenantID, userID string) string {
	return tenantID + "/" + userID
}

// Counts reports the number of tenants, profiles and memberships.
func (db *DB) Counts() (tenants, profiles, memberships int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.tenants), len(db.profiles), len(db.memberships)
}

// ResultCount reports how many results are stored for a session.
func (db *DB) ResultCount(sessionID string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.results[sessionID])
}
