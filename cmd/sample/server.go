package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/marginalia-hq/marginalia"
)

// fakeServer is an in-memory stand-in for the document-library API. It
// assigns server identifiers on create and rejects membership calls for the
// configured resource ids so the demo can show partial batch failure.
type fakeServer struct {
	mu          sync.Mutex
	resources   map[string]*marginalia.Resource
	collections map[string]*marginalia.Collection
	nextRes     int
	nextCol     int
	failMembers map[string]bool
	listCalls   int

	srv *httptest.Server
}

func newFakeServer(failMembers map[string]bool) *fakeServer {
	f := &fakeServer{
		resources:   make(map[string]*marginalia.Resource),
		collections: make(map[string]*marginalia.Collection),
		failMembers: failMembers,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/resources", f.createResource)
	mux.HandleFunc("GET /api/v1/resources", f.listResources)
	mux.HandleFunc("PATCH /api/v1/resources/{id}", f.updateResource)
	mux.HandleFunc("DELETE /api/v1/resources/{id}", f.deleteResource)
	mux.HandleFunc("POST /api/v1/collections", f.createCollection)
	mux.HandleFunc("PUT /api/v1/collections/{cid}/resources/{rid}", f.addMember)
	mux.HandleFunc("DELETE /api/v1/collections/{cid}/resources/{rid}", f.removeMember)

	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakeServer) URL() string { return f.srv.URL }
func (f *fakeServer) Close()      { f.srv.Close() }

func (f *fakeServer) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeServer) createResource(w http.ResponseWriter, r *http.Request) {
	var res marginalia.Resource
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		fail(w, http.StatusBadRequest, "malformed body")
		return
	}
	f.mu.Lock()
	f.nextRes++
	res.ID = fmt.Sprintf("res_%d", f.nextRes)
	res.Pending = false
	res.UpdatedAt = time.Now().UTC()
	f.resources[res.ID] = &res
	f.mu.Unlock()
	json.NewEncoder(w).Encode(&res)
}

func (f *fakeServer) listResources(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.listCalls++
	out := make([]*marginalia.Resource, 0, len(f.resources))
	for _, res := range f.resources {
		out = append(out, res.CloneEntity().(*marginalia.Resource))
	}
	f.mu.Unlock()
	json.NewEncoder(w).Encode(out)
}

func (f *fakeServer) updateResource(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		fail(w, http.StatusBadRequest, "malformed body")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.resources[r.PathValue("id")]
	if !ok {
		fail(w, http.StatusNotFound, "resource not found")
		return
	}
	if title, has := fields["title"]; has {
		s, _ := title.(string)
		if s == "" {
			fail(w, http.StatusUnprocessableEntity, "title cannot be empty")
			return
		}
		res.Title = s
	}
	res.UpdatedAt = time.Now().UTC()
	json.NewEncoder(w).Encode(res)
}

func (f *fakeServer) deleteResource(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := f.resources[id]; !ok {
		fail(w, http.StatusNotFound, "resource not found")
		return
	}
	delete(f.resources, id)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeServer) createCollection(w http.ResponseWriter, r *http.Request) {
	var col marginalia.Collection
	if err := json.NewDecoder(r.Body).Decode(&col); err != nil {
		fail(w, http.StatusBadRequest, "malformed body")
		return
	}
	f.mu.Lock()
	f.nextCol++
	col.ID = fmt.Sprintf("col_%d", f.nextCol)
	col.Pending = false
	col.UpdatedAt = time.Now().UTC()
	f.collections[col.ID] = &col
	f.mu.Unlock()
	json.NewEncoder(w).Encode(&col)
}

func (f *fakeServer) addMember(w http.ResponseWriter, r *http.Request) {
	f.member(w, r, true)
}

func (f *fakeServer) removeMember(w http.ResponseWriter, r *http.Request) {
	f.member(w, r, false)
}

func (f *fakeServer) member(w http.ResponseWriter, r *http.Request, add bool) {
	cid, rid := r.PathValue("cid"), r.PathValue("rid")
	f.mu.Lock()
	defer f.mu.Unlock()
	if add && f.failMembers[rid] {
		fail(w, http.StatusInternalServerError, "storage write failed for "+rid)
		return
	}
	col, ok := f.collections[cid]
	if !ok {
		fail(w, http.StatusNotFound, "collection not found")
		return
	}
	if _, ok := f.resources[rid]; !ok {
		fail(w, http.StatusNotFound, "resource not found")
		return
	}
	members := make([]string, 0, len(col.ResourceIDs)+1)
	for _, m := range col.ResourceIDs {
		if m != rid {
			members = append(members, m)
		}
	}
	if add {
		members = append(members, rid)
	}
	col.ResourceIDs = members
	col.UpdatedAt = time.Now().UTC()
	json.NewEncoder(w).Encode(col.CloneEntity())
}

func fail(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"status": status, "message": message})
}
