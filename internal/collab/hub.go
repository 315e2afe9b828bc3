package collab

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tqx/labelstudio/backend-go/internal/engine"
)

var ErrHubStopped = errors.New("hub stopped")

// ImageData is everything a canvas needs to start editing an image.
// AnnotationsErr is set when the persisted annotations could not be parsed;
// the canvas then starts from an empty set.
type ImageData struct {
	Image          engine.Image
	Labels         engine.LabelSet
	Annotations    []engine.Annotation
	AnnotationsErr error
}

// ImageLoader fetches an image with its labels and annotations.
type ImageLoader func(ctx context.Context, imageID int64) (*ImageData, error)

// AnnotationSaver atomically replaces the annotations of an image and returns
// the stored ids in order.
type AnnotationSaver func(ctx context.Context, imageID int64, anns []engine.Annotation, labelme *string) ([]int64, error)

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client // clientID -> client
	leaving map[string]int     // clientID -> canvases still closing
	locks   *ImageLocks
	leases  atomic.Uint64

	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once
	closing    sync.WaitGroup

	loader     ImageLoader
	saver      AnnotationSaver
	tolerances engine.Tolerances
}

func NewHub(loader ImageLoader, saver AnnotationSaver, tolerances engine.Tolerances) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		leaving:    make(map[string]int),
		locks:      NewImageLocks(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		loader:     loader,
		saver:      saver,
		tolerances: tolerances,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case <-h.stop:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for _, c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()
			for _, c := range clients {
				h.removeClient(c)
			}
			h.closing.Wait()
			close(h.stopped)
			return
		}
	}
}

// Stop closes every canvas, saving unsaved work, and waits for it to finish.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.stopped
}

func (h *Hub) Register(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.stop:
		return ErrHubStopped
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stop:
	}
}

// LockOwner reports which client is editing imageID.
func (h *Hub) LockOwner(imageID int64) (string, bool) {
	return h.locks.Owner(imageID)
}

// Connected reports whether a client with this id is registered or still
// saving after disconnecting.
func (h *Hub) Connected(clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[clientID]
	return ok || h.leaving[clientID] > 0
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client.ClientID] = client
	h.mu.Unlock()

	go client.canvas.run()
	client.Send(newMessage(TypeWelcome, WelcomePayload{ClientID: client.ClientID}))

	slog.Info("client joined", "client", client.ClientID)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[client.ClientID]; !ok || cur != client {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.ClientID)
	h.leaving[client.ClientID]++
	h.mu.Unlock()

	// The canvas may still be saving; close the send channel once it is done.
	h.closing.Add(1)
	go func() {
		defer h.closing.Done()
		client.canvas.close()
		h.locks.ReleaseAll(client.canvas.lease)
		close(client.send)

		h.mu.Lock()
		h.leaving[client.ClientID]--
		if h.leaving[client.ClientID] <= 0 {
			delete(h.leaving, client.ClientID)
		}
		h.mu.Unlock()
		slog.Info("client left", "client", client.ClientID)
	}()
}
