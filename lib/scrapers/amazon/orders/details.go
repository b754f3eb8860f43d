package orders

import (
	"fmt"
	"strings"

	"amzorders/lib/currency"
	"amzorders/lib/htmlutil"
	"amzorders/lib/textutil"

	"github.com/PuerkitoBio/goquery"
)

// subtotal rows are matched by label; more specific wordings first so
// "grand total" does not get swallowed by "total"
var subtotalFields = []struct {
	label  string
	assign func(o *Order, v float64)
}{
	{"grand total", func(o *Order, v float64) { o.GrandTotal = v }},
	{"total before tax", func(o *Order, v float64) { o.TotalBeforeTax = v }},
	{"estimated tax", func(o *Order, v float64) { o.EstimatedTax = v }},
	{"refund total", func(o *Order, v float64) { o.RefundTotal = v }},
	{"free shipping", func(o *Order, v float64) { o.FreeShipping = v }},
	{"shipping", func(o *Order, v float64) { o.ShippingTotal = v }},
	{"promotion", func(o *Order, v float64) { o.Promotion += v }},
	{"coupon", func(o *Order, v float64) { o.CouponSavings += v }},
	{"subscribe", func(o *Order, v float64) { o.SubscriptionDiscount = v }},
	{"subtotal", func(o *Order, v float64) { o.Subtotal = v }},
}

// ExtractOrderDetails enriches an order from its details page. Field
// parse failures mark the order partial rather than failing the page.
func ExtractOrderDetails(doc *goquery.Document, o *Order) error {
	subtotals := doc.Find("#od-subtotals")
	if subtotals.Length() == 0 {
		return &StructuralError{Page: o.DetailsURL, Hint: "details page has no subtotals section"}
	}

	subtotals.Find(".a-row").Each(func(_ int, row *goquery.Selection) {
		label := htmlutil.Text(row.Find(".a-text-left span").First())
		if label == "" {
			label = htmlutil.Text(row.Find("span").First())
		}
		valueText := htmlutil.Text(row.Find(".a-text-right span").First())
		if label == "" || valueText == "" {
			return
		}

		for _, field := range subtotalFields {
			if !labelMatches(label, field.label) {
				continue
			}
			value, err := currency.Parse(valueText)
			if err != nil {
				o.markFailed(strings.ReplaceAll(field.label, " ", "_"))
				return
			}
			field.assign(o, value)
			return
		}
	})

	if logo := doc.Find("img.pmts-payment-credit-card-instrument-logo").First(); logo.Length() > 0 {
		o.PaymentMethod = logo.AttrOr("alt", "")
	}
	if text := doc.Text(); strings.Contains(text, "ending in") {
		tail := textutil.AfterSeparator(text, "ending in")
		if len(tail) >= 4 {
			o.PaymentMethodLast4 = strings.TrimSpace(tail[:4])
		}
	}

	if name := htmlutil.Text(doc.Find(".displayAddressFullName").First()); name != "" {
		o.Recipient = name
	}

	doc.Find("div.shipment").Each(func(shipIdx int, box *goquery.Selection) {
		shipment := Shipment{
			Status: htmlutil.Text(box.Find(".js-shipment-info, .shipment-top-row .a-size-medium").First()),
		}
		box.Find(".yohtmlc-item").Each(func(itemIdx int, node *goquery.Selection) {
			item := extractItem(node)
			for _, field := range item.FailedFields {
				o.markFailed(fmt.Sprintf("shipments[%d].items[%d].%s", shipIdx, itemIdx, field))
			}
			shipment.Items = append(shipment.Items, item)
		})
		o.Shipments = append(o.Shipments, shipment)
	})

	o.FullDetails = true
	return nil
}
