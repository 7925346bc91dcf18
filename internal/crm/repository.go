package crm

import (
	"context"
	"errors"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	// ErrWriteGuard is returned when the storage-level membership guard
	// rejects a write that passed the service-level check, i.e. the
	// principal's membership or active tenant changed in between.
	ErrWriteGuard = errors.New("write rejected by tenant membership guard")
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
)

// ListOptions controls pagination, free-text search and equality filters.
type ListOptions struct {
	Limit   int
	Offset  int
	Search  string
	Filters map[string]string
}

// WriteScope restricts an update or delete.
type WriteScope struct {
	TenantID    string
	PrincipalID string
	// OwnerID, when set, limits the write to records created by OwnerID.
	OwnerID string
}

// Repository stores CRM records. Every method is scoped to one tenant.
type Repository interface {
	List(ctx context.Context, entity Entity, tenantID string, opts ListOptions) ([]Record, error)
	Get(ctx context.Context, entity Entity, tenantID, id string) (Record, error)
	Count(ctx context.Context, entity Entity, tenantID string) (int, error)
	// Create inserts rec only if rec.CreatedBy holds an active membership in
	// rec.TenantID and that tenant is its active tenant; otherwise it
	// returns ErrWriteGuard.
	Create(ctx context.Context, rec Record) error
	// Update and Delete return ErrRecordNotFound when no row matched scope.
	Update(ctx context.Context, entity Entity, scope WriteScope, id string, patch Patch) error
	Delete(ctx context.Context, entity Entity, scope WriteScope, id string) error
}
