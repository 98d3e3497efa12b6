// Package notify dispatches order confirmation messages to the e-mail backend.
package notify

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/evolvecharge/funnel/internal/domain"
	"github.com/evolvecharge/funnel/internal/pricing"
)

// Confirmation is the message the e-mail backend renders into a confirmation e-mail.
type Confirmation struct {
	OrderID     string          `json:"orderId"`
	OrderNumber string          `json:"orderNumber"`
	Flow        domain.FlowKind `json:"flow"`
	Email       string          `json:"email"`
	FirstName   string          `json:"firstName"`
	LastName    string          `json:"lastName"`
	Phone       string          `json:"phone"`
	PlanID      string          `json:"planId,omitempty"`
	Amount      float64         `json:"amount"`
	AmountText  string          `json:"amountText"`
	Currency    string          `json:"currency"`
}

// Sender delivers confirmation messages.
type Sender interface {
	Send(ctx context.Context, msg Confirmation) error
}

// ConfirmationFor builds the message for a paid order.
func ConfirmationFor(order domain.Order) Confirmation {
	return Confirmation{
		OrderID:     order.ID,
		OrderNumber: order.Number,
		Flow:        order.Flow,
		Email:       order.Customer.Email,
		FirstName:   order.Customer.FirstName,
		LastName:    order.Customer.LastName,
		Phone:       order.Customer.Phone,
		PlanID:      order.PlanID,
		Amount:      order.Pricing.Total,
		AmountText:  pricing.Format(order.Pricing.Total, order.Currency),
		Currency:    order.Currency,
	}
}

func (m Confirmation) validate() error {
	if strings.TrimSpace(m.OrderID) == "" {
		return errors.New("notify: order id is required")
	}
	if strings.TrimSpace(m.Email) == "" {
		return errors.New("notify: recipient email is required")
	}
	return nil
}

// LogSender writes confirmations to the log instead of delivering them.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(_ context.Context, msg Confirmation) error {
	if err := msg.validate(); err != nil {
		return err
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("confirmation email skipped (log transport)",
		zap.String("orderId", msg.OrderID),
		zap.String("orderNumber", msg.OrderNumber),
		zap.String("amount", msg.AmountText),
	)
	return nil
}
