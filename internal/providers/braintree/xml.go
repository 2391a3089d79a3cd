package braintree

import (
	"encoding/xml"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

// statuses maps Braintree transaction statuses. Every intermediate status
// is PENDING.
var statuses = map[string]domain.PaymentState{
	"settled":                  domain.PaymentStatePaid,
	"authorizing":              domain.PaymentStatePending,
	"authorized":               domain.PaymentStatePending,
	"submitted_for_settlement": domain.PaymentStatePending,
	"settling":                 domain.PaymentStatePending,
	"settlement_pending":       domain.PaymentStatePending,
	"settlement_confirmed":     domain.PaymentStatePending,
	"failed":                   domain.PaymentStateFailed,
	"gateway_rejected":         domain.PaymentStateFailed,
	"processor_declined":       domain.PaymentStateFailed,
	"settlement_declined":      domain.PaymentStateFailed,
	"settlement_failed":        domain.PaymentStateFailed,
	"authorization_expired":    domain.PaymentStateFailed,
	"voided":                   domain.PaymentStateCancelled,
}

// activeSubscription lists subscription statuses that keep billing.
var activeSubscription = map[string]bool{
	"Active":   true,
	"Pending":  true,
	"Past Due": true,
}

type xmlAddress struct {
	FirstName       string `xml:"first-name"`
	LastName        string `xml:"last-name"`
	StreetAddress   string `xml:"street-address"`
	ExtendedAddress string `xml:"extended-address"`
	Locality        string `xml:"locality"`
	Region          string `xml:"region"`
	PostalCode      string `xml:"postal-code"`
	Country         string `xml:"country-code-alpha2"`
}

func (a xmlAddress) domain() domain.Address {
	return domain.Address{
		FirstName:  a.FirstName,
		LastName:   a.LastName,
		Street1:    a.StreetAddress,
		Street2:    a.ExtendedAddress,
		City:       a.Locality,
		State:      a.Region,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

type transaction struct {
	XMLName        xml.Name   `xml:"transaction"`
	ID             string     `xml:"id"`
	Status         string     `xml:"status"`
	Type           string     `xml:"type"`
	Amount         string     `xml:"amount"`
	OrderID        string     `xml:"order-id"`
	SubscriptionID string     `xml:"subscription-id"`
	CreatedAt      string     `xml:"created-at"`
	UpdatedAt      string     `xml:"updated-at"`
	Billing        xmlAddress `xml:"billing"`
	Shipping       xmlAddress `xml:"shipping"`
	Customer       struct {
		Email string `xml:"email"`
		Phone string `xml:"phone"`
	} `xml:"customer"`
	CreditCard struct {
		Token string `xml:"token"`
	} `xml:"credit-card"`
	ProcessorResponseText string `xml:"processor-response-text"`
}

func (t transaction) result() *gateway.TransactionResult {
	state, ok := statuses[t.Status]
	if !ok {
		state = domain.PaymentStatePending
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(t.Amount))
	if err != nil {
		amount = decimal.Zero
	}
	reported := parseTime(t.UpdatedAt)
	if reported.IsZero() {
		reported = parseTime(t.CreatedAt)
	}

	res := &gateway.TransactionResult{
		Result:        gateway.Result{Success: state != domain.PaymentStateFailed, Status: t.Status, Raw: t},
		TransactionID: t.ID,
		Amount:        amount,
		State:         state,
		ReportedAt:    reported,
		Bill:          t.Billing.domain(),
		Ship:          t.Shipping.domain(),
		BillEmail:     t.Customer.Email,
		BillPhone:     t.Customer.Phone,
	}
	if !res.Success {
		msg := t.ProcessorResponseText
		if msg == "" {
			msg = "transaction " + t.Status
		}
		res.Errors = map[string]string{gateway.NonFieldErrors: msg}
	}
	return res
}

type subscription struct {
	XMLName      xml.Name      `xml:"subscription"`
	ID           string        `xml:"id"`
	Status       string        `xml:"status"`
	PlanID       string        `xml:"plan-id"`
	Transactions []transaction `xml:"transactions>transaction"`
}

// latest returns the most recent transaction; Braintree lists newest first.
func (s subscription) latest() *transaction {
	if len(s.Transactions) == 0 {
		return nil
	}
	return &s.Transactions[0]
}

func (s subscription) result() *gateway.SubscriptionResult {
	res := &gateway.SubscriptionResult{
		Result:         gateway.Result{Success: true, Status: s.Status, Raw: s},
		SubscriptionID: s.ID,
		Active:         activeSubscription[s.Status],
	}
	if tx := s.latest(); tx != nil {
		res.Transaction = tx.result()
	}
	return res
}

type notification struct {
	XMLName   xml.Name `xml:"notification"`
	Kind      string   `xml:"kind"`
	Timestamp string   `xml:"timestamp"`
	Subject   struct {
		Transaction  *transaction  `xml:"transaction"`
		Subscription *subscription `xml:"subscription"`
	} `xml:"subject"`
}

type apiErrorResponse struct {
	XMLName     xml.Name     `xml:"api-error-response"`
	Message     string       `xml:"message"`
	Transaction *transaction `xml:"transaction"`
}

type subscriptionRequest struct {
	XMLName            xml.Name `xml:"subscription"`
	ID                 string   `xml:"id"`
	PaymentMethodToken string   `xml:"payment-method-token"`
	PlanID             string   `xml:"plan-id"`
	Price              string   `xml:"price,omitempty"`
}

type refundRequest struct {
	XMLName xml.Name `xml:"transaction"`
	Amount  string   `xml:"amount"`
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
