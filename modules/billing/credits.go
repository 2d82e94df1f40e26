package billing

import "github.com/nandezu/entitlements/handler"

func (m *module) paymentLink(ctx handler.Context, _ struct{}) handler.Response {
	userID, err := currentUser(ctx)
	if err != nil {
		return handler.Error(err)
	}
	url, err := m.PaymentLinks.PaymentLink(userID.String())
	if err != nil {
		return handler.Error(err)
	}
	return handler.JSON(PaymentLinkView{URL: url})
}
