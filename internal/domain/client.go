package domain

import (
	"time"
)

// ClientStatus enumerates the lifecycle states of a client.
type ClientStatus string

const (
	ClientActive   ClientStatus = "active"
	ClientInactive ClientStatus = "inactive"
	ClientTest     ClientStatus = "test"
	ClientPending  ClientStatus = "pending"
)

// Client is a consumer of monthly address assignments.
type Client struct {
	ID                 string         `json:"client_id" db:"client_id"`
	FirstName          string         `json:"first_name" db:"first_name"`
	LastName           string         `json:"last_name" db:"last_name"`
	Email              string         `json:"email" db:"email"`
	Status             ClientStatus   `json:"status" db:"status"`
	ChosenCities       []string       `json:"chosen_cities" db:"-"`
	PropertyTypes      []PropertyType `json:"property_type_preferences" db:"-"`
	AddressesPerReport int            `json:"addresses_per_report" db:"addresses_per_report"`
	SendDay            int            `json:"send_day" db:"send_day"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at" db:"updated_at"`
}

// FullName returns "First Last" with either part optional.
func (c *Client) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

// Validate checks the invariants required before a client can be processed.
// The returned messages are matched by the orchestrator's permanent-error
// predicate, so their wording is load-bearing.
func (c *Client) Validate() error {
	if c.Status != ClientActive {
		return &ValidationError{Msg: "client " + c.ID + " not found or inactive"}
	}
	if len(c.ChosenCities) == 0 {
		return &ValidationError{Msg: "client " + c.ID + " has no chosen cities"}
	}
	if len(c.PropertyTypes) == 0 {
		return &ValidationError{Msg: "client " + c.ID + " has no property types"}
	}
	if c.AddressesPerReport <= 0 {
		return &ValidationError{Msg: "invalid client: addresses_per_report must be positive"}
	}
	return nil
}

// ValidationError is a permanent business-rule violation.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// AssignmentStatus enumerates CRM states of a client/address join row.
type AssignmentStatus string

const (
	AssignmentNew         AssignmentStatus = "new"
	AssignmentContacted   AssignmentStatus = "contacted"
	AssignmentMeeting     AssignmentStatus = "meeting"
	AssignmentNegotiation AssignmentStatus = "negotiation"
	AssignmentSold        AssignmentStatus = "sold"
	AssignmentMandate     AssignmentStatus = "mandate"
)

// ClientAddress is the assignment join row. (client, address) is unique.
type ClientAddress struct {
	ClientID  string           `json:"client_id" db:"client_id"`
	AddressID string           `json:"address_id" db:"address_id"`
	SendDate  time.Time        `json:"send_date" db:"send_date"`
	Status    AssignmentStatus `json:"status" db:"status"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}
