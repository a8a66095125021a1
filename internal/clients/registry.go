// Package clients tracks connected pages: identity, reported metadata,
// liveness, and the discovery/filtering views the tool bridge builds on.
package clients

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devpilot/devpilot/internal/bus"
)

// ActiveWindow is the sole liveness signal: a client whose lastActiveAt is
// older than this is excluded from active listings without needing an
// explicit disconnect.
const ActiveWindow = 5 * time.Minute

// ConnectedClient describes one connected page.
type ConnectedClient struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	UserAgent    string    `json:"userAgent"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Info is a partial metadata update pushed by a page.
type Info struct {
	URL       *string `json:"url,omitempty"`
	Title     *string `json:"title,omitempty"`
	UserAgent *string `json:"userAgent,omitempty"`
}

// Filter narrows List results. Patterns are case-insensitive substring
// matches; ID is exact.
type Filter struct {
	ID           string
	URLPattern   string
	TitlePattern string
}

// Registry owns all connected-client state behind one mutex. The transport
// layer only reports connect/disconnect events via hooks.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*ConnectedClient
	// seen records every id ever connected this process lifetime plus ids
	// restored from persisted tasks, so not-found diagnostics can tell
	// "disconnected" apart from "never connected".
	seen map[string]struct{}

	bus    *bus.Bus
	now    func() time.Time
	window time.Duration
}

func NewRegistry(eventBus *bus.Bus) *Registry {
	return &Registry{
		clients: make(map[string]*ConnectedClient),
		seen:    make(map[string]struct{}),
		bus:     eventBus,
		now:     time.Now,
		window:  ActiveWindow,
	}
}

// SetActiveWindow overrides the liveness window. Call before serving.
func (r *Registry) SetActiveWindow(d time.Duration) {
	if d > 0 {
		r.window = d
	}
}

// Add records a newly connected page under its server-assigned id.
func (r *Registry) Add(id, userAgent string) {
	now := r.now()
	r.mu.Lock()
	r.clients[id] = &ConnectedClient{
		ID:           id,
		UserAgent:    userAgent,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
	r.seen[id] = struct{}{}
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(bus.TopicClientConnected, bus.ClientEvent{ClientID: id})
	}
}

// Remove drops a client on disconnect. The id stays in the seen set.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	url := ""
	if ok {
		url = c.URL
		delete(r.clients, id)
	}
	r.mu.Unlock()

	if ok && r.bus != nil {
		r.bus.Publish(bus.TopicClientDisconnected, bus.ClientEvent{ClientID: id, URL: url})
	}
}

// UpdateInfo applies a partial metadata update and bumps lastActiveAt.
// Returns false when the id is not connected.
func (r *Registry) UpdateInfo(id string, info Info) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return false
	}
	if info.URL != nil {
		c.URL = *info.URL
	}
	if info.Title != nil {
		c.Title = *info.Title
	}
	if info.UserAgent != nil {
		c.UserAgent = *info.UserAgent
	}
	c.LastActiveAt = r.now()
	return true
}

// Touch bumps lastActiveAt for any activity from the page.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if c, ok := r.clients[id]; ok {
		c.LastActiveAt = r.now()
	}
	r.mu.Unlock()
}

// MarkSeen records an id as historical without connecting it. Used when
// persisted tasks reference clients from a previous server run.
func (r *Registry) MarkSeen(id string) {
	r.mu.Lock()
	r.seen[id] = struct{}{}
	r.mu.Unlock()
}

// Get returns a snapshot of the client, if connected.
func (r *Registry) Get(id string) (ConnectedClient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return ConnectedClient{}, false
	}
	return *c, true
}

// Seen reports whether the id has ever been observed.
func (r *Registry) Seen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[id]
	return ok
}

// List returns clients sorted by connect time. activeOnly restricts to
// clients active within ActiveWindow; filter further narrows the result.
func (r *Registry) List(activeOnly bool, filter *Filter) []ConnectedClient {
	cutoff := r.now().Add(-r.window)

	r.mu.Lock()
	out := make([]ConnectedClient, 0, len(r.clients))
	for _, c := range r.clients {
		if activeOnly && c.LastActiveAt.Before(cutoff) {
			continue
		}
		if !matches(c, filter) {
			continue
		}
		out = append(out, *c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func matches(c *ConnectedClient, f *Filter) bool {
	if f == nil {
		return true
	}
	if f.ID != "" && c.ID != f.ID {
		return false
	}
	if f.URLPattern != "" && !strings.Contains(strings.ToLower(c.URL), strings.ToLower(f.URLPattern)) {
		return false
	}
	if f.TitlePattern != "" && !strings.Contains(strings.ToLower(c.Title), strings.ToLower(f.TitlePattern)) {
		return false
	}
	return true
}

// GroupByURL partitions active clients by reported url, for disambiguation
// when many pages share one host.
func (r *Registry) GroupByURL() map[string][]ConnectedClient {
	groups := make(map[string][]ConnectedClient)
	for _, c := range r.List(true, nil) {
		groups[c.URL] = append(groups[c.URL], c)
	}
	return groups
}

// Suggestions lists the distinct urls and titles of currently active
// clients, for zero-match guidance.
func (r *Registry) Suggestions() (urls, titles []string) {
	seenURL := map[string]struct{}{}
	seenTitle := map[string]struct{}{}
	for _, c := range r.List(true, nil) {
		if c.URL != "" {
			if _, ok := seenURL[c.URL]; !ok {
				seenURL[c.URL] = struct{}{}
				urls = append(urls, c.URL)
			}
		}
		if c.Title != "" {
			if _, ok := seenTitle[c.Title]; !ok {
				seenTitle[c.Title] = struct{}{}
				titles = append(titles, c.Title)
			}
		}
	}
	return urls, titles
}

// Count returns the number of connected clients (active or not).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
