package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchscrape/internal/store"
)

// ExampleProgressHandler_ListBatches shows how to serve the /v1/batches endpoint.
func ExampleProgressHandler_ListBatches() {
	batchID := uuid.MustParse("0190b3c2-5d1e-7000-8000-0000000000aa")
	repo := &mockProgressRepo{
		batches: []store.BatchRun{{
			BatchID:   batchID,
			Status:    store.RunSuccess,
			StartedAt: time.Unix(0, 0),
		}},
	}
	handler := NewProgressHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/batches?limit=1", nil)
	rec := httptest.NewRecorder()
	handler.ListBatches(rec, req)

	var payload struct {
		Batches []map[string]any `json:"batches"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned batches: %d, status %v\n", len(payload.Batches), payload.Batches[0]["status"])
	// Output:
	// returned batches: 1, status success
}
