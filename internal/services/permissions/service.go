// Package permissions asks the backend what the signed-in user may do.
package permissions

import (
	"context"
	"fmt"
	"slices"

	"github.com/TheMichaelB/carmarket/internal/events"
	"github.com/TheMichaelB/carmarket/internal/models"
	"github.com/TheMichaelB/carmarket/internal/transport"
)

// Vehicle permission names granted by the backend.
const (
	CreateVehicle  = "create:vehicle"
	ReadVehicle    = "read:vehicle"
	UpdateVehicle  = "update:vehicle"
	DeleteVehicle  = "delete:vehicle"
	PublishVehicle = "publish:vehicle"
)

// Vehicle summarizes what the user may do with listings.
type Vehicle struct {
	CanCreate  bool `json:"canCreate"`
	CanRead    bool `json:"canRead"`
	CanUpdate  bool `json:"canUpdate"`
	CanDelete  bool `json:"canDelete"`
	CanPublish bool `json:"canPublish"`
}

// Service fetches permissions for the current session.
type Service struct {
	transport transport.Transport
	logger    *events.Logger
}

// NewService creates a permissions service.
func NewService(transport transport.Transport, logger *events.Logger) *Service {
	return &Service{
		transport: transport,
		logger:    logger.WithField("service", "permissions"),
	}
}

// Fetch returns the permissions granted to the current token.
func (s *Service) Fetch(ctx context.Context) ([]string, error) {
	if s.transport.GetToken() == "" {
		return nil, models.ErrNotAuthenticated
	}

	var resp models.PermissionsResponse
	if err := s.transport.GetJSON(ctx, "/auth/permissions", &resp); err != nil {
		return nil, fmt.Errorf("fetch permissions: %w", err)
	}

	s.logger.WithField("count", len(resp.Permissions)).Debug("Fetched permissions")
	return resp.Permissions, nil
}

// Has reports whether perm is granted. Errors count as not granted.
func (s *Service) Has(ctx context.Context, perm string) bool {
	return s.Check(ctx, perm)[perm]
}

// Check resolves each of perms with a single fetch. Every entry is false when
// the fetch fails.
func (s *Service) Check(ctx context.Context, perms ...string) map[string]bool {
	result := make(map[string]bool, len(perms))
	for _, p := range perms {
		result[p] = false
	}

	granted, err := s.Fetch(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Permission check failed")
		return result
	}

	for _, p := range perms {
		result[p] = slices.Contains(granted, p)
	}
	return result
}

// VehiclePermissions summarizes the listing permissions.
func (s *Service) VehiclePermissions(ctx context.Context) Vehicle {
	got := s.Check(ctx, CreateVehicle, ReadVehicle, UpdateVehicle, DeleteVehicle, PublishVehicle)
	return Vehicle{
		CanCreate:  got[CreateVehicle],
		CanRead:    got[ReadVehicle],
		CanUpdate:  got[UpdateVehicle],
		CanDelete:  got[DeleteVehicle],
		CanPublish: got[PublishVehicle],
	}
}
