package googlecheckout

import (
	"encoding/xml"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

const schemaNS = "http://checkout.google.com/schema/2"

type money struct {
	Currency string `xml:"currency,attr"`
	Value    string `xml:",chardata"`
}

type checkoutCart struct {
	XMLName     xml.Name    `xml:"checkout-shopping-cart"`
	Xmlns       string      `xml:"xmlns,attr"`
	PrivateData string      `xml:"shopping-cart>merchant-private-data"`
	Items       []cartItem  `xml:"shopping-cart>items>item"`
	FlowSupport flowSupport `xml:"checkout-flow-support>merchant-checkout-flow-support"`
}

type flowSupport struct {
	ContinueShoppingURL string `xml:"continue-shopping-url,omitempty"`
	EditCartURL         string `xml:"edit-cart-url,omitempty"`
}

type cartItem struct {
	MerchantItemID  string        `xml:"merchant-item-id,omitempty"`
	Name            string        `xml:"item-name"`
	Description     string        `xml:"item-description"`
	UnitPrice       money         `xml:"unit-price"`
	Quantity        int           `xml:"quantity"`
	PrivateItemData string        `xml:"merchant-private-item-data,omitempty"`
	Subscription    *subscription `xml:"subscription,omitempty"`
}

type subscription struct {
	Type          string        `xml:"type,attr"`
	Period        string        `xml:"period,attr"`
	Payments      []subPayment  `xml:"payments>subscription-payment"`
	RecurrentItem recurrentItem `xml:"recurrent-item"`
}

type subPayment struct {
	Times         int   `xml:"times,attr,omitempty"`
	MaximumCharge money `xml:"maximum-charge"`
}

type recurrentItem struct {
	Name        string `xml:"item-name"`
	Description string `xml:"item-description"`
	UnitPrice   money  `xml:"unit-price"`
	Quantity    int    `xml:"quantity"`
}

// periods maps a billing interval onto Google's fixed set of periods.
var periods = map[domain.DurationUnit]map[int]string{
	domain.DurationDay:   {1: "DAILY"},
	domain.DurationWeek:  {1: "WEEKLY"},
	domain.DurationMonth: {1: "MONTHLY", 2: "EVERY_TWO_MONTHS", 3: "QUARTERLY"},
	domain.DurationYear:  {1: "YEARLY"},
}

// buildCart renders the checkout-shopping-cart document. The cart id is
// carried as private data on the cart and on every item so notifications
// can be matched back to it.
func buildCart(cart *domain.Cart, currency, continueURL string) ([]byte, error) {
	doc := checkoutCart{
		Xmlns:       schemaNS,
		PrivateData: cart.ID,
		FlowSupport: flowSupport{ContinueShoppingURL: continueURL},
	}

	for _, item := range cart.Items {
		ci := cartItem{
			MerchantItemID:  item.SKU,
			Name:            item.Name,
			Description:     item.Description,
			UnitPrice:       money{Currency: currency, Value: gateway.FormatAmount(item.UnitPrice)},
			Quantity:        item.Quantity,
			PrivateItemData: cart.ID,
		}
		if r := item.Recurring; r != nil {
			period, ok := periods[r.DurationUnit][r.Duration]
			if !ok {
				return nil, fmt.Errorf("%w: google checkout cannot bill every %d %s", domain.ErrInvalidLineItem, r.Duration, r.DurationUnit)
			}
			initial := item.InitialCharge().Div(decimal.NewFromInt(int64(item.Quantity)))
			ci.UnitPrice.Value = gateway.FormatAmount(initial)
			ci.Subscription = &subscription{
				Type:   "google",
				Period: period,
				Payments: []subPayment{{
					Times:         r.RecurringTimes,
					MaximumCharge: money{Currency: currency, Value: gateway.FormatAmount(gateway.RecurringCharge(&item))},
				}},
				RecurrentItem: recurrentItem{
					Name:        item.Name,
					Description: item.Description,
					UnitPrice:   money{Currency: currency, Value: gateway.FormatAmount(r.RecurringPrice)},
					Quantity:    item.Quantity,
				},
			}
		}
		doc.Items = append(doc.Items, ci)
	}

	if !cart.Discount.IsZero() {
		doc.Items = append(doc.Items, cartItem{
			Name:        "Discount",
			Description: "Order discount",
			UnitPrice:   money{Currency: currency, Value: gateway.FormatAmount(cart.Discount.Neg())},
			Quantity:    1,
		})
	}

	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding cart: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

type cancelOrder struct {
	XMLName     xml.Name `xml:"cancel-order"`
	Xmlns       string   `xml:"xmlns,attr"`
	OrderNumber string   `xml:"google-order-number,attr"`
	Reason      string   `xml:"reason"`
}

type requestReceived struct {
	XMLName      xml.Name `xml:"request-received"`
	SerialNumber string   `xml:"serial-number,attr"`
}

type apiError struct {
	XMLName xml.Name `xml:"error"`
	Message string   `xml:"error-message"`
}
