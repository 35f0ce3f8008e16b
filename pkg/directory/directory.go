// Package directory resolves entities and approvers for approvald.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/petrijr/approvalflow/pkg/api"
)

// HTTPEntities reads entities from, and writes status changes to, the
// service that owns them:
//
//	GET {base}/entities/{id}          -> entity JSON
//	PUT {base}/entities/{id}/status   <- {"status": "..."}
type HTTPEntities struct {
	base   string
	client *http.Client
}

var _ api.EntityService = (*HTTPEntities)(nil)

// NewHTTPEntities returns a client for baseURL. A zero timeout uses 10s.
func NewHTTPEntities(baseURL string, timeout time.Duration) (*HTTPEntities, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("directory: entities url: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPEntities{
		base:   strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}, nil
}

type entityDoc struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"tenant_id"`
	Amount    float64 `json:"amount"`
	Requester string  `json:"requester"`
	Status    string  `json:"status"`
}

func (h *HTTPEntities) GetEntity(ctx context.Context, id string) (api.Entity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.entityURL(id), nil)
	if err != nil {
		return api.Entity{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return api.Entity{}, fmt.Errorf("directory: get entity %s: %w", id, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, id); err != nil {
		return api.Entity{}, err
	}
	var doc entityDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return api.Entity{}, fmt.Errorf("directory: decode entity %s: %w", id, err)
	}
	if doc.ID == "" {
		doc.ID = id
	}
	return api.Entity{
		ID:        doc.ID,
		TenantID:  doc.TenantID,
		Amount:    doc.Amount,
		Requester: doc.Requester,
		Status:    doc.Status,
	}, nil
}

func (h *HTTPEntities) SetEntityStatus(ctx context.Context, id, status string) error {
	body, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.entityURL(id)+"/status", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("directory: set status of %s: %w", id, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, id); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (h *HTTPEntities) entityURL(id string) string {
	return h.base + "/entities/" + url.PathEscape(id)
}

func checkStatus(resp *http.Response, id string) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", api.ErrEntityNotFound, id)
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("directory: entity %s: %s: %s", id, resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

// StaticApprovers resolves approvers from a fixed level table.
type StaticApprovers struct {
	Levels     map[int]string
	Escalation []string
}

var _ api.ApproverResolver = StaticApprovers{}

func (s StaticApprovers) ResolveApprover(ctx context.Context, entityID string, level int) (string, error) {
	if a, ok := s.Levels[level]; ok && a != "" {
		return a, nil
	}
	return "", fmt.Errorf("%w: level %d of %s", api.ErrNoApprover, level, entityID)
}

func (s StaticApprovers) ResolveEscalationTargets(ctx context.Context, entityID string) ([]string, error) {
	if len(s.Escalation) == 0 {
		return nil, errors.New("directory: no escalation targets configured")
	}
	return append([]string(nil), s.Escalation...), nil
}
