/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY FIELDS:
  All amounts cross the wire as int64 minor currency units (cents), never
  floats. Rendering is the client's concern.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

// CodeDTO is the response to issuing or resolving a referral code.
type CodeDTO struct {
	ReferrerID string `json:"referrer_id"`
	Code       string `json:"code"`
	Link       string `json:"link,omitempty"`
}

// StatsDTO is the referrer dashboard aggregate.
type StatsDTO struct {
	ReferrerID     string `json:"referrer_id"`
	Clicks         int64  `json:"clicks"`
	Registrations  int64  `json:"registrations"`
	Orders         int64  `json:"orders"`
	AvailableMinor int64  `json:"available_minor"`
	LifetimeMinor  int64  `json:"lifetime_minor"`
}

// CommissionEntryDTO is one line of a referrer's commission history.
type CommissionEntryDTO struct {
	ID         string `json:"id"`
	OrderID    string `json:"order_id"`
	Type       string `json:"type"`
	DeltaMinor int64  `json:"delta_minor"`
	CreatedAt  string `json:"created_at"`
}

// RegistrationEventRequest notifies the engine that an account was created.
type RegistrationEventRequest struct {
	AccountID string `json:"account_id"`
	VisitorIP string `json:"visitor_ip"`
	UserAgent string `json:"user_agent"`
	At        string `json:"at,omitempty"`
}

// AttributionDTO reports how an attribution attempt resolved.
type AttributionDTO struct {
	Outcome    string `json:"outcome"`
	ReferrerID string `json:"referrer_id,omitempty"`
	ClickID    string `json:"click_id,omitempty"`
}

// OrderStatusEventRequest is the order status-change notification.
type OrderStatusEventRequest struct {
	OrderID    string `json:"order_id"`
	AccountID  string `json:"account_id"`
	TotalMinor int64  `json:"total_minor"`
	OldStatus  string `json:"old_status"`
	NewStatus  string `json:"new_status"`
	At         string `json:"at,omitempty"`
}

// RetroactiveAttributionRequest is the explicit operator action that binds a
// guest-checkout order to a referrer by fingerprint.
type RetroactiveAttributionRequest struct {
	AccountID string `json:"account_id"`
	VisitorIP string `json:"visitor_ip"`
	UserAgent string `json:"user_agent"`
	At        string `json:"at,omitempty"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
