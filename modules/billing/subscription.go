package billing

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/nandezu/entitlements/handler"
	"github.com/nandezu/entitlements/pkg/jwt"
	"github.com/nandezu/entitlements/pkg/logger"
	"github.com/nandezu/entitlements/svc/entitlement"
	"github.com/nandezu/entitlements/svc/verifier"
)

type PurchaseRequest struct {
	ProductID string `json:"product_id" validate:"required,max=255"`
	Platform  string `json:"platform" validate:"required"`
	Receipt   string `json:"receipt" validate:"required"`
}

type ChangeRequest struct {
	NewProductID string `json:"new_product_id" validate:"required,max=255"`
	Platform     string `json:"platform" validate:"required"`
	Receipt      string `json:"receipt" validate:"required"`
}

func (m *module) plans(handler.Context, struct{}) handler.Response {
	return handler.JSON(entitlement.Plans())
}

func (m *module) subscription(ctx handler.Context, _ struct{}) handler.Response {
	userID, err := currentUser(ctx)
	if err != nil {
		return handler.Error(err)
	}
	e, err := m.Entitlements.Get(ctx, userID)
	if err != nil {
		return handler.Error(err)
	}
	return handler.JSON(newSubscriptionView(e, ""))
}

func (m *module) purchase(ctx handler.Context, req PurchaseRequest) handler.Response {
	userID, p, err := m.verify(ctx, req.Platform, req.ProductID, req.Receipt)
	if err != nil {
		return handler.Error(err)
	}
	res, err := m.Entitlements.Activate(ctx, userID, p)
	if err != nil {
		return handler.Error(err)
	}
	return handler.JSON(newSubscriptionView(res.Entitlement, res.Outcome))
}

func (m *module) change(ctx handler.Context, req ChangeRequest) handler.Response {
	userID, p, err := m.verify(ctx, req.Platform, req.NewProductID, req.Receipt)
	if err != nil {
		return handler.Error(err)
	}
	res, err := m.Entitlements.ChangePlan(ctx, userID, p)
	if err != nil {
		return handler.Error(err)
	}
	return handler.JSON(newSubscriptionView(res.Entitlement, res.Outcome))
}

func (m *module) cancel(ctx handler.Context, _ struct{}) handler.Response {
	userID, err := currentUser(ctx)
	if err != nil {
		return handler.Error(err)
	}
	res, err := m.Entitlements.Cancel(ctx, userID)
	if err != nil {
		return handler.Error(err)
	}
	return handler.JSON(newSubscriptionView(res.Entitlement, res.Outcome))
}

// verify confirms the receipt with its platform. No entitlement state is
// touched until the platform has answered.
func (m *module) verify(ctx handler.Context, platform, productID, receipt string) (uuid.UUID, entitlement.Purchase, error) {
	userID, err := currentUser(ctx)
	if err != nil {
		return uuid.Nil, entitlement.Purchase{}, err
	}
	src, err := entitlement.ParseSource(platform)
	if err != nil {
		return uuid.Nil, entitlement.Purchase{}, err
	}

	vp, err := m.Verifiers.Verify(ctx, src, verifier.Receipt{ProductID: productID, Data: receipt})
	if err != nil {
		return uuid.Nil, entitlement.Purchase{}, err
	}
	if vp.ProductID != "" && vp.ProductID != productID {
		m.Logger.WarnContext(ctx, "receipt product differs from requested product",
			logger.UserID(userID),
			logger.Platform(platform),
			logger.ProductID(vp.ProductID),
			slog.String("requested_product_id", productID),
		)
	}
	return userID, vp.Purchase(src), nil
}

func currentUser(ctx handler.Context) (uuid.UUID, error) {
	id, ok := jwt.UserIDFromContext(ctx)
	if !ok {
		return uuid.Nil, handler.ErrUnauthorized
	}
	return id, nil
}
