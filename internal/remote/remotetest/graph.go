// Package remotetest provides an in-memory fake of the remote to-do service
// for tests.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"tasksync/internal/remote"

	"github.com/go-chi/chi/v5"
)

type list struct {
	name    string
	etag    string
	items   map[string]*entry
	removed map[string]int
}

type entry struct {
	item    remote.TodoItem
	changed int
}

// Graph serves lists, items, delta queries and subscriptions from memory.
type Graph struct {
	mu       sync.Mutex
	server   *httptest.Server
	seq      int
	ids      int
	lists    map[string]*list
	subs     map[string]*remote.Subscription
	pageSize int

	// delta continuations answer 410
	expireCursors bool
	// next failCount requests answer failStatus
	failStatus int
	failCount  int

	requests map[string]int
	// body of the last item PATCH
	lastPatch *remote.TodoItem
}

// NewGraph starts a fake server. It is closed when t finishes.
func NewGraph(t interface{ Cleanup(func()) }) *Graph {
	g := &Graph{
		lists:    make(map[string]*list),
		subs:     make(map[string]*remote.Subscription),
		pageSize: 50,
		requests: make(map[string]int),
	}
	g.server = httptest.NewServer(g.routes())
	t.Cleanup(g.server.Close)
	return g
}

func (g *Graph) URL() string { return g.server.URL }

func (g *Graph) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(g.count)
	r.Get("/me/todo/lists", g.listLists)
	r.Post("/me/todo/lists", g.createList)
	r.Delete("/me/todo/lists/{list}", g.deleteList)
	r.Get("/me/todo/lists/{list}/tasks/delta", g.delta)
	r.Post("/me/todo/lists/{list}/tasks", g.createItem)
	r.Patch("/me/todo/lists/{list}/tasks/{item}", g.updateItem)
	r.Delete("/me/todo/lists/{list}/tasks/{item}", g.deleteItem)
	r.Post("/subscriptions", g.createSubscription)
	r.Patch("/subscriptions/{sub}", g.renewSubscription)
	r.Delete("/subscriptions/{sub}", g.deleteSubscription)
	return r
}

func (g *Graph) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.requests[r.Method]++
		fail := g.failCount > 0
		status := g.failStatus
		if fail {
			g.failCount--
		}
		g.mu.Unlock()
		if fail {
			writeError(w, status, "injected")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetPageSize sets how many delta entries fit on one page.
func (g *Graph) SetPageSize(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pageSize = n
}

// ExpireCursors makes delta continuations answer 410 until reset.
func (g *Graph) ExpireCursors(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireCursors = on
}

// FailNext answers the next n requests with status.
func (g *Graph) FailNext(status, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failStatus, g.failCount = status, n
}

// RequestCount returns how many requests used method.
func (g *Graph) RequestCount(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[method]
}

// AddList creates a list directly.
func (g *Graph) AddList(name string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addList(name)
}

func (g *Graph) addList(name string) string {
	g.ids++
	id := fmt.Sprintf("list-%d", g.ids)
	g.seq++
	g.lists[id] = &list{
		name:    name,
		etag:    fmt.Sprintf(`W/"%d"`, g.seq),
		items:   make(map[string]*entry),
		removed: make(map[string]int),
	}
	return id
}

// RemoveList deletes a list as if another client had removed it.
func (g *Graph) RemoveList(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lists, id)
}

// LastPatch returns the body of the last item update, or nil.
func (g *Graph) LastPatch() *remote.TodoItem {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastPatch == nil {
		return nil
	}
	p := *g.lastPatch
	return &p
}

func (g *Graph) HasList(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.lists[id]
	return ok
}

// Items returns a snapshot of the items of a list ordered by id.
func (g *Graph) Items(listID string) []remote.TodoItem {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.lists[listID]
	if !ok {
		return nil
	}
	out := make([]remote.TodoItem, 0, len(l.items))
	for _, id := range sortedIDs(l.items) {
		out = append(out, l.items[id].item)
	}
	return out
}

// AddItem creates an item as another client would.
func (g *Graph) AddItem(listID string, item remote.TodoItem) remote.TodoItem {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addItem(g.lists[listID], item)
}

func (g *Graph) addItem(l *list, item remote.TodoItem) remote.TodoItem {
	g.ids++
	item.ID = fmt.Sprintf("item-%d", g.ids)
	item.Removed = nil
	e := &entry{item: item}
	g.touch(e)
	l.items[item.ID] = e
	return e.item
}

// EditItem mutates an item as another client would.
func (g *Graph) EditItem(listID, itemID string, edit func(*remote.TodoItem)) remote.TodoItem {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.lists[listID].items[itemID]
	edit(&e.item)
	g.touch(e)
	return e.item
}

// RemoveItem deletes an item as another client would.
func (g *Graph) RemoveItem(listID, itemID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l := g.lists[listID]
	delete(l.items, itemID)
	g.seq++
	l.removed[itemID] = g.seq
}

// Subscriptions returns a snapshot of the live subscriptions.
func (g *Graph) Subscriptions() []remote.Subscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]remote.Subscription, 0, len(g.subs))
	for _, s := range g.subs {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DropSubscription forgets a subscription as if it expired remotely.
func (g *Graph) DropSubscription(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subs, id)
}

func (g *Graph) touch(e *entry) {
	g.seq++
	e.changed = g.seq
	e.item.ETag = fmt.Sprintf(`W/"%d"`, g.seq)
}

func (g *Graph) listLists(w http.ResponseWriter, _ *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.lists))
	for id := range g.lists {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]remote.TaskList, 0, len(ids))
	for _, id := range ids {
		out = append(out, remote.TaskList{ID: id, DisplayName: g.lists[id].name, ETag: g.lists[id].etag})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"value": out})
}

func (g *Graph) createList(w http.ResponseWriter, r *http.Request) {
	var body remote.TaskList
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "displayName required")
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.addList(body.DisplayName)
	writeJSON(w, http.StatusCreated, remote.TaskList{ID: id, DisplayName: body.DisplayName, ETag: g.lists[id].etag})
}

func (g *Graph) deleteList(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := chi.URLParam(r, "list")
	if _, ok := g.lists[id]; !ok {
		writeError(w, http.StatusNotFound, "list not found")
		return
	}
	delete(g.lists, id)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Graph) delta(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	listID := chi.URLParam(r, "list")
	l, ok := g.lists[listID]
	if !ok {
		writeError(w, http.StatusNotFound, "list not found")
		return
	}

	q := r.URL.Query()
	since := -1
	if tok := q.Get("$deltatoken"); tok != "" {
		if g.expireCursors {
			writeError(w, http.StatusGone, "resync required")
			return
		}
		since, _ = strconv.Atoi(tok)
	}
	skip, _ := strconv.Atoi(q.Get("$skip"))

	var changes []remote.TodoItem
	for _, id := range sortedIDs(l.items) {
		if e := l.items[id]; e.changed > since {
			changes = append(changes, e.item)
		}
	}
	if since >= 0 {
		removed := make([]string, 0, len(l.removed))
		for id, at := range l.removed {
			if at > since {
				removed = append(removed, id)
			}
		}
		sort.Strings(removed)
		for _, id := range removed {
			changes = append(changes, remote.TodoItem{ID: id, Removed: &remote.Removed{Reason: "deleted"}})
		}
	}

	base := fmt.Sprintf("%s/me/todo/lists/%s/tasks/delta", g.server.URL, listID)
	page := remote.DeltaPage{Items: []remote.TodoItem{}}
	end := skip + g.pageSize
	if end >= len(changes) {
		end = len(changes)
		page.DeltaLink = fmt.Sprintf("%s?$deltatoken=%d", base, g.seq)
	} else {
		if since >= 0 {
			page.NextLink = fmt.Sprintf("%s?$deltatoken=%d&$skip=%d", base, since, end)
		} else {
			page.NextLink = fmt.Sprintf("%s?$skip=%d", base, end)
		}
	}
	if skip < len(changes) {
		page.Items = append(page.Items, changes[skip:end]...)
	}
	writeJSON(w, http.StatusOK, page)
}

func (g *Graph) createItem(w http.ResponseWriter, r *http.Request) {
	var body remote.TodoItem
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Title == "" {
		writeError(w, http.StatusBadRequest, "title required")
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.lists[chi.URLParam(r, "list")]
	if !ok {
		writeError(w, http.StatusNotFound, "list not found")
		return
	}
	writeJSON(w, http.StatusCreated, g.addItem(l, body))
}

func (g *Graph) updateItem(w http.ResponseWriter, r *http.Request) {
	var body remote.TodoItem
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastPatch = &body
	l, ok := g.lists[chi.URLParam(r, "list")]
	if !ok {
		writeError(w, http.StatusNotFound, "list not found")
		return
	}
	e, ok := l.items[chi.URLParam(r, "item")]
	if !ok {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if m := r.Header.Get("If-Match"); m != "" && m != e.item.ETag {
		writeError(w, http.StatusPreconditionFailed, "etag mismatch")
		return
	}
	e.item.Title = body.Title
	e.item.Status = body.Status
	e.item.Importance = body.Importance
	e.item.DueDateTime = body.DueDateTime
	g.touch(e)
	writeJSON(w, http.StatusOK, e.item)
}

func (g *Graph) deleteItem(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.lists[chi.URLParam(r, "list")]
	if !ok {
		writeError(w, http.StatusNotFound, "list not found")
		return
	}
	id := chi.URLParam(r, "item")
	if _, ok := l.items[id]; !ok {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	delete(l.items, id)
	g.seq++
	l.removed[id] = g.seq
	w.WriteHeader(http.StatusNoContent)
}

func (g *Graph) createSubscription(w http.ResponseWriter, r *http.Request) {
	var body remote.Subscription
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Resource == "" || body.NotificationURL == "" {
		writeError(w, http.StatusBadRequest, "resource and notificationUrl required")
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ids++
	body.ID = fmt.Sprintf("sub-%d", g.ids)
	if body.ExpirationDateTime.IsZero() {
		body.ExpirationDateTime = time.Now().Add(time.Hour)
	}
	g.subs[body.ID] = &body
	writeJSON(w, http.StatusCreated, body)
}

func (g *Graph) renewSubscription(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ExpirationDateTime time.Time `json:"expirationDateTime"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.subs[chi.URLParam(r, "sub")]
	if !ok {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	s.ExpirationDateTime = body.ExpirationDateTime
	writeJSON(w, http.StatusOK, s)
}

func (g *Graph) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := chi.URLParam(r, "sub")
	if _, ok := g.subs[id]; !ok {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	delete(g.subs, id)
	w.WriteHeader(http.StatusNoContent)
}

func sortedIDs(items map[string]*entry) []string {
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": http.StatusText(status), "message": msg},
	})
}
