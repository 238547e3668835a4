package relay

import (
	"sort"

	"golang.org/x/exp/maps"

	"github.com/collabdoc/docsync/pkg/logger"
	"github.com/collabdoc/docsync/pkg/models"
)

// sendBuffer is the number of outbound frames queued per socket before
// frames to that socket are dropped.
const sendBuffer = 64

type envelope struct {
	from *client
	data []byte
}

// hub relays frames between the sockets of one document. All client
// bookkeeping happens on the run goroutine.
type hub struct {
	id     models.DocumentID
	logger logger.Logger

	clients   map[*client]bool
	join      chan *client
	leave     chan *client
	broadcast chan envelope
	snapshots chan chan snapshot
	quit      chan struct{}

	// refs is guarded by App.mu.
	refs int
}

func newHub(id models.DocumentID, log logger.Logger) *hub {
	return &hub{
		id:        id,
		logger:    log,
		clients:   make(map[*client]bool),
		join:      make(chan *client),
		leave:     make(chan *client),
		broadcast: make(chan envelope),
		snapshots: make(chan chan snapshot),
		quit:      make(chan struct{}),
	}
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.join:
			h.clients[c] = true
			h.logger.Debug("relay.hub joined", "document_id", h.id, "connection_id", c.id, "clients", len(h.clients))
		case c := <-h.leave:
			delete(h.clients, c)
			h.logger.Debug("relay.hub left", "document_id", h.id, "connection_id", c.id, "clients", len(h.clients))
		case env := <-h.broadcast:
			for c := range h.clients {
				if c == env.from {
					continue
				}
				select {
				case c.send <- env.data:
				default:
					h.logger.Warn("relay.hub dropped a frame for a slow client", "document_id", h.id, "connection_id", c.id)
				}
			}
		case reply := <-h.snapshots:
			byID := make(map[string]bool, len(h.clients))
			for c := range h.clients {
				if id := c.cursorID(); id != "" {
					byID[id] = true
				}
			}
			ids := maps.Keys(byID)
			sort.Strings(ids)
			reply <- snapshot{clients: len(h.clients), cursorIDs: ids}
		case <-h.quit:
			return
		}
	}
}

// relay sends data to every client of h except from.
func (h *hub) relay(from *client, data []byte) {
	h.broadcast <- envelope{from: from, data: data}
}

type snapshot struct {
	clients   int
	cursorIDs []string
}

// snapshot reports the joined sockets and the announced session ids of h.
func (h *hub) snapshot() snapshot {
	reply := make(chan snapshot, 1)
	select {
	case h.snapshots <- reply:
		return <-reply
	case <-h.quit:
		return snapshot{}
	}
}
