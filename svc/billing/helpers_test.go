package billing

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubGateway is a scriptable Gateway for tests. Errors are keyed by remote
// id; absent keys succeed. All calls are recorded.
type stubGateway struct {
	mu sync.Mutex

	cancelErr     map[string]error
	suspendErr    map[string]error
	reactivateErr map[string]error
	refundErr     error
	getErr        error
	remote        *RemoteSubscription

	cancelled   []string
	suspended   []string
	reactivated []string
	refunded    []string
	fetched     []string
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		cancelErr:     map[string]error{},
		suspendErr:    map[string]error{},
		reactivateErr: map[string]error{},
	}
}

func (g *stubGateway) GetSubscription(_ context.Context, remoteID string) (*RemoteSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetched = append(g.fetched, remoteID)
	if g.getErr != nil {
		return nil, g.getErr
	}
	if g.remote != nil {
		return g.remote, nil
	}
	return &RemoteSubscription{ID: remoteID, Status: RemoteActive}, nil
}

func (g *stubGateway) Cancel(_ context.Context, remoteID, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, remoteID)
	return g.cancelErr[remoteID]
}

func (g *stubGateway) Suspend(_ context.Context, remoteID, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suspended = append(g.suspended, remoteID)
	return g.suspendErr[remoteID]
}

func (g *stubGateway) Reactivate(_ context.Context, remoteID, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reactivated = append(g.reactivated, remoteID)
	return g.reactivateErr[remoteID]
}

func (g *stubGateway) Refund(_ context.Context, captureID string, _ Money, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunded = append(g.refunded, captureID)
	return g.refundErr
}

func (g *stubGateway) VerifyWebhookSignature(http.Header, []byte) bool { return true }

func (g *stubGateway) cancelCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelled...)
}

// seedSubscription creates and stores a subscription with sensible defaults.
func seedSubscription(store Store, mutate func(*Subscription)) *Subscription {
	now := time.Now().UTC().Add(-time.Hour)
	sub := &Subscription{
		ID:              uuid.New(),
		UserID:          uuid.New(),
		PlanType:        PlanMonthly,
		Status:          StatusActive,
		RemoteID:        "I-" + uuid.NewString()[:8],
		RemotePlanID:    "P-MONTHLY",
		Price:           Money{Amount: 1290, Currency: "USD"},
		StartDate:       now,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if mutate != nil {
		mutate(sub)
	}
	if err := store.Create(context.Background(), sub); err != nil {
		panic(err)
	}
	return sub
}
