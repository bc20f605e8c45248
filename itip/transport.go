// Package itip implements the implicit scheduling processor: the
// organizer- and attendee-side state machines that react to local
// writes and inbound iTIP messages (RFC 5546), fan out REQUEST, REPLY
// and CANCEL, and keep per-attendee copies in sync.
package itip

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/calserv/scheduling/caldata"
)

// SCHEDULE-STATUS codes recorded per recipient.
const (
	StatusDelivered           = "1.2"
	StatusGroupExpanded       = "2.7"
	StatusInvalidCalendarUser = "3.7"
	StatusDeliveryFailed      = "5.1"
)

// DeliveryStatus is the per-recipient result of an external send.
type DeliveryStatus struct {
	Recipient string
	Status    string
}

// Transport delivers scheduling messages to attendees that are not
// hosted locally. Implementations must not block the local write on
// remote failures; failures come back as per-recipient statuses.
type Transport interface {
	SendViaExternalProtocol(ctx context.Context, originator string, recipients []string, obj *caldata.ObjectTree) ([]DeliveryStatus, error)
}

// MockTransport implements Transport for testing.
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) SendViaExternalProtocol(ctx context.Context, originator string, recipients []string, obj *caldata.ObjectTree) ([]DeliveryStatus, error) {
	args := m.Called(ctx, originator, recipients, obj)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]DeliveryStatus), args.Error(1)
}

// DeliveredAll is a MockTransport helper producing success statuses
// for every recipient.
func DeliveredAll(recipients []string) []DeliveryStatus {
	out := make([]DeliveryStatus, len(recipients))
	for i, r := range recipients {
		out[i] = DeliveryStatus{Recipient: r, Status: StatusDelivered}
	}
	return out
}
