// Package consent implements the proxy's client for the
// org.desktopspec.permission consent-arbitration service, and the
// JSON-file-backed lookup from a D-Bus triple to a permission id.
package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/godbus/dbus/v5"
)

const (
	serviceName   = "org.desktopspec.permission"
	objectPath    = "/org/desktopspec/permission"
	requestScope  = "linglong"
	requestMethod = serviceName + ".Request"
	dialogMethod  = serviceName + ".ShowDisablePermissionDialog"
)

// errSystemLevelRestrictions is the D-Bus error name the permission
// service returns when the platform itself forbids the request outright.
const errSystemLevelRestrictions = "org.desktopspec.permission.SystemLevelRestrictions"

// Decision is the consent service's verdict for a permission request.
type Decision int

// Decision values, fixed by the org.desktopspec.permission contract.
const (
	Deny Decision = iota
	DenyOnce
	Allow
	AllowOnce
)

// String implements fmt.Stringer.
func (d Decision) String() string {
	switch d {
	case Deny:
		return "Deny"
	case DenyOnce:
		return "DenyOnce"
	case Allow:
		return "Allow"
	case AllowOnce:
		return "AllowOnce"
	default:
		return "Unknown"
	}
}

// ErrPermissionIDEmpty indicates Request was called with no resolved
// permission id (the caller should treat this as a deny).
var ErrPermissionIDEmpty = errors.New("permission id is empty")

// Client arbitrates consent decisions against the session bus's
// org.desktopspec.permission service.
type Client struct {
	conn   *dbus.Conn
	logger *slog.Logger
}

// New wraps an already-connected session bus connection.
func New(conn *dbus.Conn, logger *slog.Logger) *Client {
	return &Client{
		conn:   conn,
		logger: logger.With(slog.String("component", "consent")),
	}
}

// Request asks the permission service whether appId may proceed with the
// action identified by permissionID. On DenyOnce, or when the service
// itself errors with SystemLevelRestrictions, it additionally fires a
// best-effort ShowDisablePermissionDialog call whose outcome never
// affects the returned Decision.
func (c *Client) Request(ctx context.Context, appID, permissionID string) (Decision, error) {
	if permissionID == "" {
		return Deny, ErrPermissionIDEmpty
	}

	obj := c.conn.Object(serviceName, dbus.ObjectPath(objectPath))

	var raw string
	call := obj.CallWithContext(ctx, requestMethod, 0, appID, requestScope, permissionID)
	if err := call.Store(&raw); err != nil {
		if isSystemLevelRestrictions(err) {
			c.showDisableDialog(ctx, obj, appID, permissionID)
		}
		return Deny, fmt.Errorf("request permission %q for %q: %w", permissionID, appID, err)
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return Deny, fmt.Errorf("request permission %q: non-numeric reply %q: %w", permissionID, raw, err)
	}
	decision := Decision(n)

	if decision == DenyOnce {
		c.showDisableDialog(ctx, obj, appID, permissionID)
	}

	return decision, nil
}

// showDisableDialog fires the best-effort follow-up call; its result is
// logged at debug level only and never surfaced to the caller.
func (c *Client) showDisableDialog(ctx context.Context, obj dbus.BusObject, appID, permissionID string) {
	call := obj.CallWithContext(ctx, dialogMethod, 0, appID, requestScope, permissionID)
	if call.Err != nil {
		c.logger.DebugContext(ctx, "show disable permission dialog failed",
			slog.String("app_id", appID),
			slog.String("permission_id", permissionID),
			slog.Any("error", call.Err),
		)
	}
}

// isSystemLevelRestrictions reports whether err is a D-Bus error with the
// SystemLevelRestrictions name.
func isSystemLevelRestrictions(err error) bool {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name == errSystemLevelRestrictions
	}
	return false
}
