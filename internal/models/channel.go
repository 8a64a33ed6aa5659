package models

import "time"

// ParticipantType is one of the two fixed roles in a channel.
type ParticipantType string

const (
	ParticipantOrganization ParticipantType = "organization"
	ParticipantCustomer     ParticipantType = "customer"
)

// Valid reports whether p is a known participant type.
func (p ParticipantType) Valid() bool {
	return p == ParticipantOrganization || p == ParticipantCustomer
}

// Counterparty returns the other side of the conversation.
func (p ParticipantType) Counterparty() ParticipantType {
	if p == ParticipantOrganization {
		return ParticipantCustomer
	}
	return ParticipantOrganization
}

// Channel is the single conversation between an organization and one of its customers.
type Channel struct {
	ID             int64      `db:"id" json:"id" bson:"_id"`
	OrganizationID string     `db:"organization_id" json:"organization_id" bson:"organization_id"`
	CustomerID     string     `db:"customer_id" json:"customer_id" bson:"customer_id"`
	LastMessageAt  *time.Time `db:"last_message_at" json:"last_message_at,omitempty" bson:"last_message_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at" bson:"updated_at"`
}

// BelongsTo reports whether the channel is visible to the given participant of an organization.
func (c Channel) BelongsTo(organizationID string, participant ParticipantType, participantID string) bool {
	if c.OrganizationID != organizationID {
		return false
	}
	if participant == ParticipantCustomer {
		return c.CustomerID == participantID
	}
	return participant == ParticipantOrganization
}
