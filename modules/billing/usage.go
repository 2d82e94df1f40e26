package billing

import (
	"context"

	"github.com/google/uuid"

	"github.com/nandezu/entitlements/handler"
	"github.com/nandezu/entitlements/svc/entitlement"
)

type UsageRequest struct {
	Feature string `json:"feature" validate:"required"`
}

func (m *module) usage(ctx handler.Context, _ struct{}) handler.Response {
	userID, err := currentUser(ctx)
	if err != nil {
		return handler.Error(err)
	}
	remaining, resetsAt, err := m.Meter.Usage(ctx, userID)
	if err != nil {
		return handler.Error(err)
	}
	return handler.JSON(UsageSummaryView{Remaining: remaining, ResetsAt: resetsAt})
}

func (m *module) consume(ctx handler.Context, req UsageRequest) handler.Response {
	return meter(ctx, req, m.Meter.TryConsume)
}

func (m *module) release(ctx handler.Context, req UsageRequest) handler.Response {
	return meter(ctx, req, m.Meter.Release)
}

func meter(ctx handler.Context, req UsageRequest, op func(context.Context, uuid.UUID, entitlement.Feature) (int, error)) handler.Response {
	userID, err := currentUser(ctx)
	if err != nil {
		return handler.Error(err)
	}
	f, err := entitlement.ParseFeature(req.Feature)
	if err != nil {
		return handler.Error(err)
	}
	remaining, err := op(ctx, userID, f)
	if err != nil {
		return handler.Error(err)
	}
	return handler.JSON(UsageView{Feature: f, Remaining: remaining})
}
