package relay

import (
	"docrelay/core"

	"github.com/sirupsen/logrus"
)

// EventReceiveUpdate is the outbound event name carrying a ReceivedUpdate.
const EventReceiveUpdate = "receiveUpdate"

// Delivery reports the outcome of one broadcast.
type Delivery struct {
	Delivered int
	Failed    int
}

// Broadcaster forwards update events to the other members of a room.
type Broadcaster struct {
	registry *Registry
}

func NewBroadcaster(registry *Registry) *Broadcaster {
	return &Broadcaster{registry: registry}
}

// Broadcast sends event to every member of event.DocumentID except origin.
// A failed send is logged and skipped; nothing is queued or retried.
func (b *Broadcaster) Broadcast(origin Peer, event core.UpdateEvent) Delivery {
	var d Delivery
	members := b.registry.MembersOf(event.DocumentID)
	if len(members) == 0 {
		return d
	}

	originID := ""
	if origin != nil {
		originID = origin.ID()
	}
	payload := core.ReceivedUpdate{Title: event.Title, Content: event.Content}

	for _, peer := range members {
		if peer.ID() == originID {
			continue
		}
		if err := peer.Send(EventReceiveUpdate, payload); err != nil {
			d.Failed++
			logrus.WithFields(logrus.Fields{
				"socket_id":   peer.ID(),
				"document_id": event.DocumentID,
			}).WithError(err).Warn("failed to deliver update")
			continue
		}
		d.Delivered++
	}

	b.registry.Touch(event.DocumentID)
	return d
}
