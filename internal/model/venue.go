package model

import "time"

// Venue is a room or studio.  Capacity is the fallback for templates that do
// not set their own.
type Venue struct {
	ID        uint64    `json:"id"`        // venues.id
	Name      string    `json:"name"`      // venues.name
	Capacity  int       `json:"capacity"`  // venues.capacity
	CreatedAt time.Time `json:"createdAt"` // venues.created_at
}

// Seat is an addressable resource position within a venue, e.g. Bike 7.
type Seat struct {
	ID        uint64    `json:"id"`        // seats.id
	VenueID   uint64    `json:"venueId"`   // seats.venue_id
	Label     string    `json:"label"`     // seats.label
	IsActive  bool      `json:"isActive"`  // seats.is_active
	CreatedAt time.Time `json:"createdAt"` // seats.created_at
}
