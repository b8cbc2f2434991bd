/*
File Name:  Events.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers
*/

package webapi

import (
	"net/http"

	"github.com/bazaarnet/core"
	"github.com/bazaarnet/core/escrow"
	"github.com/google/uuid"
)

// apiOrderEvent is an order status change streamed over the websocket
type apiOrderEvent struct {
	ID        string   `json:"id"`        // Order ID
	OldStatus string   `json:"oldstatus"` // Previous order status
	NewStatus string   `json:"newstatus"` // New order status
	Order     apiOrder `json:"order"`     // Updated order
}

/*
apiOrderEventStream streams order status changes over a websocket. One JSON structure apiOrderEvent per message.
The stream ends when the client closes the connection.

Request:    GET /order/events/ws
Response:   Upgrade to websocket
*/
func (api *WebapiInstance) apiOrderEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := WSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// May happen if the request is not a websocket upgrade request.
		return
	}
	defer conn.Close()

	machine := core.OrderMachine()
	events := machine.Subscribe()
	defer machine.Unsubscribe(events)

	// Detect the client closing the connection. Incoming messages are discarded.
	disconnect := make(chan struct{})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(disconnect)
				return
			}
		}
	}()

	for {
		select {
		case event := <-events:
			message := apiOrderEvent{
				ID:        uuid.UUID(event.Order.ID).String(),
				OldStatus: escrow.StatusText(event.OldStatus),
				NewStatus: escrow.StatusText(event.NewStatus),
				Order:     order2API(event.Order),
			}

			if err := conn.WriteJSON(message); err != nil {
				return
			}

		case <-disconnect:
			return
		}
	}
}
