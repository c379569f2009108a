package constants

// Static route constants
const (
	PlayNotificationsRoute = "/billing/play/notifications"
	APIV1Route             = "/api/v1"
	HealthRoute            = "/healthz"
)
