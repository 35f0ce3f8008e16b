package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/approvalflow/pkg/api"
)

type entityServer struct {
	mu       sync.Mutex
	statuses map[string]string
}

func (s *entityServer) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/entities/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id != "inv-1" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(entityDoc{ID: id, TenantID: "acme", Amount: 1500, Requester: "rita", Status: "draft"})
	})
	r.Put("/entities/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body["status"] == "bogus" {
			http.Error(w, "unknown status", http.StatusUnprocessableEntity)
			return
		}
		s.mu.Lock()
		s.statuses[chi.URLParam(r, "id")] = body["status"]
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func TestHTTPEntities(t *testing.T) {
	es := &entityServer{statuses: map[string]string{}}
	srv := httptest.NewServer(es.router())
	defer srv.Close()

	h, err := NewHTTPEntities(srv.URL+"/", 0)
	require.NoError(t, err)
	ctx := context.Background()

	ent, err := h.GetEntity(ctx, "inv-1")
	require.NoError(t, err)
	require.Equal(t, api.Entity{ID: "inv-1", TenantID: "acme", Amount: 1500, Requester: "rita", Status: "draft"}, ent)

	_, err = h.GetEntity(ctx, "inv-404")
	require.ErrorIs(t, err, api.ErrEntityNotFound)

	require.NoError(t, h.SetEntityStatus(ctx, "inv-1", api.EntityPendingApproval))
	require.Equal(t, api.EntityPendingApproval, es.statuses["inv-1"])

	err = h.SetEntityStatus(ctx, "inv-1", "bogus")
	require.ErrorContains(t, err, "unknown status")
}

func TestNewHTTPEntitiesRejectsBadURL(t *testing.T) {
	_, err := NewHTTPEntities("not a url", 0)
	require.Error(t, err)
}

func TestStaticApprovers(t *testing.T) {
	s := StaticApprovers{Levels: map[int]string{1: "team-lead", 2: "finance"}, Escalation: []string{"cfo"}}
	ctx := context.Background()

	a, err := s.ResolveApprover(ctx, "inv-1", 2)
	require.NoError(t, err)
	require.Equal(t, "finance", a)

	_, err = s.ResolveApprover(ctx, "inv-1", 3)
	require.ErrorIs(t, err, api.ErrNoApprover)

	targets, err := s.ResolveEscalationTargets(ctx, "inv-1")
	require.NoError(t, err)
	require.Equal(t, []string{"cfo"}, targets)

	_, err = StaticApprovers{}.ResolveEscalationTargets(ctx, "inv-1")
	require.Error(t, err)
}
