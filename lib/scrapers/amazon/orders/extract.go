package orders

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"amzorders/lib/currency"
	"amzorders/lib/htmlutil"
	"amzorders/lib/textutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/antzucaro/matchr"
)

const orderCardSelector = "div.order-card, div.js-order-card"

var orderIDRegex = regexp.MustCompile(`[A-Z0-9]{3}-\d{7}-\d{7}`)

// the site renders dates differently across locales and page vintages
var dateLayouts = []string{
	"January 2, 2006",
	"2 January 2006",
	"Jan 2, 2006",
	"2 Jan 2006",
	"02.01.2006",
}

func parseDate(s string) (time.Time, error) {
	s = htmlutil.CleanText(s)
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format: %q", s)
}

// labelMatches compares a scraped field label against the expected
// wording, tolerating punctuation, case and small drift so a minor
// copy change does not silently drop a field.
func labelMatches(label, want string) bool {
	label = strings.TrimSuffix(textutil.NormalizeLabel(label), ":")
	if strings.Contains(label, want) {
		return true
	}
	return matchr.DamerauLevenshtein(label, want) <= 1
}

// ExtractOrders parses an order-history page into its orders plus the
// cursor of the following page. A nil cursor means this was the last
// page. A page without order cards is only legitimate when it carries
// the explicit empty-history marker; otherwise the markup has drifted
// and the caller gets a structural error instead of silent data loss.
func ExtractOrders(doc *goquery.Document) ([]Order, *PageCursor, error) {
	cards := doc.Find(orderCardSelector)
	if cards.Length() == 0 {
		if hasEmptyHistoryMarker(doc) {
			return nil, nil, nil
		}
		return nil, nil, &StructuralError{Hint: "no order cards and no empty-history marker"}
	}

	var out []Order
	cards.Each(func(_ int, card *goquery.Selection) {
		out = append(out, extractOrderCard(card))
	})
	return out, historyCursor(doc), nil
}

func hasEmptyHistoryMarker(doc *goquery.Document) bool {
	if doc.Find(".no-orders-section").Length() > 0 {
		return true
	}
	if num := htmlutil.Text(doc.Find("span.num-orders")); strings.HasPrefix(num, "0 ") {
		return true
	}
	return strings.Contains(doc.Text(), "placed any orders")
}

func historyCursor(doc *goquery.Document) *PageCursor {
	last := doc.Find("ul.a-pagination li.a-last")
	if last.Length() == 0 || last.HasClass("a-disabled") {
		return nil
	}
	href := last.Find("a").AttrOr("href", "")
	if href == "" {
		return nil
	}
	return &PageCursor{
		StartIndex: startIndexFromURL(href),
		NextURL:    href,
	}
}

func startIndexFromURL(href string) int {
	parsed, err := url.Parse(href)
	if err != nil {
		return 0
	}
	idx, _ := strconv.Atoi(parsed.Query().Get("startIndex"))
	return idx
}

func extractOrderCard(card *goquery.Selection) Order {
	var o Order

	// header columns pair a caps label with a value; their order is
	// not stable across locales so fields are found by label, not
	// position
	card.Find(".order-info .a-column").Each(func(_ int, col *goquery.Selection) {
		label := htmlutil.Text(col.Find(".a-text-caps, .label"))
		value := htmlutil.Text(col.Find(".value"))
		if label == "" || value == "" {
			return
		}

		switch {
		case labelMatches(label, "order placed"):
			placed, err := parseDate(value)
			if err != nil {
				o.markFailed("placed")
				return
			}
			o.Placed = placed
		case labelMatches(label, "ship to"):
			o.Recipient = value
		case labelMatches(label, "total"):
			total, err := currency.Parse(value)
			if err != nil {
				o.markFailed("grand_total")
				return
			}
			o.GrandTotal = total
		}
	})
	if o.Placed.IsZero() && !failed(o.FailedFields, "placed") {
		o.markFailed("placed")
	}

	o.OrderID = extractOrderID(card)
	if o.OrderID == "" {
		o.markFailed("order_id")
	}

	o.DetailsURL = card.Find("a.yohtmlc-order-details-link").AttrOr("href", "")
	if o.DetailsURL == "" {
		o.DetailsURL = card.Find("a[href*='order-details']").AttrOr("href", "")
	}
	if o.DetailsURL == "" && o.OrderID != "" {
		o.DetailsURL = fmt.Sprintf("%s?orderID=%s", orderDetailsPath, o.OrderID)
	}
	o.InvoiceURL = card.Find("a[href*='invoice']").AttrOr("href", "")
	o.DeliveryStatus = htmlutil.Text(card.Find(".delivery-box .a-size-medium").First())

	card.Find(".yohtmlc-item").Each(func(idx int, node *goquery.Selection) {
		item := extractItem(node)
		for _, field := range item.FailedFields {
			o.markFailed(fmt.Sprintf("items[%d].%s", idx, field))
		}
		o.Items = append(o.Items, item)
	})

	return o
}

func failed(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}

func extractOrderID(card *goquery.Selection) string {
	value := htmlutil.Text(card.Find(".yohtmlc-order-id .value"))
	value = textutil.AfterSeparator(value, "#")
	if orderIDRegex.MatchString(value) {
		return orderIDRegex.FindString(value)
	}
	// markup vintage without the dedicated id node
	return orderIDRegex.FindString(card.Text())
}

func extractItem(node *goquery.Selection) Item {
	item := Item{Quantity: 1}

	anchor := node.Find("a.a-link-normal").First()
	item.Title = htmlutil.Text(anchor)
	item.Link = anchor.AttrOr("href", "")
	if item.Title == "" {
		item.FailedFields = append(item.FailedFields, "title")
	}

	priceText := htmlutil.Text(node.Find(".a-color-price").First())
	if priceText != "" {
		price, err := currency.Parse(priceText)
		if err != nil {
			item.FailedFields = append(item.FailedFields, "price")
		} else {
			item.Price = price
		}
	}

	if qtyText := htmlutil.Text(node.Find(".od-item-view-qty").First()); qtyText != "" {
		qty, err := strconv.Atoi(qtyText)
		if err != nil || qty < 1 {
			item.FailedFields = append(item.FailedFields, "quantity")
		} else {
			item.Quantity = qty
		}
	}

	item.ReturnStatus = htmlutil.Text(node.Find(".return-status").First())
	return item
}
