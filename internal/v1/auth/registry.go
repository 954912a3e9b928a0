// Package auth validates application credentials presented in the first
// WebSocket frame. The registry is loaded once from configuration and
// immutable afterwards; secret comparison is constant-time.
package auth

import (
	"crypto/subtle"
	"errors"

	"github.com/google/uuid"

	"github.com/signalfish/signal-fish/internal/v1/config"
	"github.com/signalfish/signal-fish/internal/v1/types"
)

var (
	// ErrInvalidAppID reports an unknown application id.
	ErrInvalidAppID = errors.New("unknown application id")
	// ErrInvalidCredentials reports a secret mismatch.
	ErrInvalidCredentials = errors.New("invalid application credentials")
)

// AppInfo is the resolved application identity attached to a connection.
type AppInfo struct {
	ID                 uuid.UUID
	RawID              string
	Name               string
	Org                string
	MaxRooms           int
	MaxPlayersPerRoom  int
	RateLimitPerMinute int
}

// RateLimitPerHour is the advisory hourly budget derived from the
// per-minute limit.
func (a AppInfo) RateLimitPerHour() int { return a.RateLimitPerMinute * 60 }

// RateLimitPerDay is the advisory daily budget derived from the per-minute
// limit.
func (a AppInfo) RateLimitPerDay() int { return a.RateLimitPerMinute * 1440 }

type appRecord struct {
	secret string
	info   AppInfo
}

// Registry maps application ids to their secrets and limits.
type Registry struct {
	enabled bool
	apps    map[string]appRecord
}

// NewRegistry builds the registry from configuration. With auth disabled
// every lookup succeeds with a synthetic default identity.
func NewRegistry(cfg config.AuthConfig) *Registry {
	apps := make(map[string]appRecord, len(cfg.Apps))
	for _, app := range cfg.Apps {
		apps[app.ID] = appRecord{
			secret: app.Secret,
			info: AppInfo{
				ID:                 deriveAppUUID(app.ID),
				RawID:              app.ID,
				Name:               app.Name,
				Org:                app.Org,
				MaxRooms:           app.MaxRooms,
				MaxPlayersPerRoom:  app.MaxPlayersPerRoom,
				RateLimitPerMinute: app.RateLimitPerMinute,
			},
		}
	}
	return &Registry{enabled: cfg.Enabled, apps: apps}
}

// ValidateAppID resolves an application id without checking a secret.
func (r *Registry) ValidateAppID(appID string) (*AppInfo, error) {
	if !r.enabled {
		info := syntheticAppInfo(appID)
		return &info, nil
	}
	rec, ok := r.apps[appID]
	if !ok {
		return nil, ErrInvalidAppID
	}
	info := rec.info
	return &info, nil
}

// ValidateAppCredentials resolves an application id and verifies its secret
// in constant time.
func (r *Registry) ValidateAppCredentials(appID, secret string) (*AppInfo, error) {
	if !r.enabled {
		info := syntheticAppInfo(appID)
		return &info, nil
	}
	rec, ok := r.apps[appID]
	if !ok {
		// Burn a comparison anyway so unknown ids cost the same as wrong
		// secrets.
		subtle.ConstantTimeCompare([]byte(secret), []byte(secret))
		return nil, ErrInvalidAppID
	}
	if subtle.ConstantTimeCompare([]byte(rec.secret), []byte(secret)) != 1 {
		return nil, ErrInvalidCredentials
	}
	info := rec.info
	return &info, nil
}

// syntheticAppInfo is the permissive identity used when auth is disabled.
func syntheticAppInfo(appID string) AppInfo {
	return AppInfo{
		ID:    deriveAppUUID(appID),
		RawID: appID,
		Name:  appID,
	}
}

// deriveAppUUID parses the id as a UUID when possible, otherwise derives a
// stable one from the string.
func deriveAppUUID(appID string) uuid.UUID {
	if id, err := uuid.Parse(appID); err == nil {
		return id
	}
	return types.DeriveUUID(appID)
}
