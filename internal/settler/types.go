package settler

// CancelSignal carries the reason auto-charging of a permission must stop.
type CancelSignal struct {
	PermissionHash string
	Reason         string // "permission_revoked" | "invalid_authorization"
}
