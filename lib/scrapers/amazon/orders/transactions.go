package orders

import (
	"strings"

	"amzorders/lib/currency"
	"amzorders/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

const (
	transactionDateSelector = ".apx-transaction-date-container"
	transactionLineSelector = ".apx-transactions-line-item-component-container"
	transactionNextEvent    = "ppw-widgetEvent:DefaultNextPageNavigationEvent"
)

// ExtractTransactions parses a payment-transactions page. Dates are
// section headers that apply to every line item until the next header,
// so both node kinds are walked in document order under one selector.
func ExtractTransactions(doc *goquery.Document) ([]Transaction, *PageCursor, error) {
	nodes := doc.Find(transactionDateSelector + ", " + transactionLineSelector)
	if nodes.Length() == 0 {
		if strings.Contains(doc.Text(), "No transactions") {
			return nil, nil, nil
		}
		return nil, nil, &StructuralError{Hint: "no transaction containers on transactions page"}
	}

	var out []Transaction
	var currentDate string
	nodes.Each(func(_ int, node *goquery.Selection) {
		if node.Is(transactionDateSelector) {
			currentDate = htmlutil.Text(node)
			return
		}
		out = append(out, extractTransactionLine(node, currentDate))
	})
	return out, transactionsCursor(doc), nil
}

func extractTransactionLine(node *goquery.Selection, dateText string) Transaction {
	var tx Transaction

	if dateText == "" {
		tx.FailedFields = append(tx.FailedFields, "date")
	} else {
		date, err := parseDate(dateText)
		if err != nil {
			tx.FailedFields = append(tx.FailedFields, "date")
		} else {
			tx.Date = date
		}
	}

	amountText := htmlutil.Text(node.Find(".a-text-right .a-size-base-plus").First())
	if amountText == "" {
		amountText = htmlutil.Text(node.Find(".a-text-right span").First())
	}
	amount, err := currency.Parse(amountText)
	if err != nil {
		tx.FailedFields = append(tx.FailedFields, "amount")
	} else {
		tx.Amount = amount
	}

	tx.OrderID = orderIDRegex.FindString(node.Text())
	if tx.OrderID == "" {
		tx.FailedFields = append(tx.FailedFields, "order_id")
	}

	// the payment method line reads like "Visa ****1234"; it is the
	// first body-text span that is not the order number link
	node.Find(".a-size-base").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := htmlutil.Text(s)
		if text == "" || orderIDRegex.MatchString(text) {
			return true
		}
		tx.PaymentMethod = text
		return false
	})

	return tx
}

// transactionsCursor finds the hidden form that drives the "next page"
// widget. Unlike order history this endpoint paginates by POST.
func transactionsCursor(doc *goquery.Document) *PageCursor {
	next := doc.Find("input[name='" + transactionNextEvent + "']")
	if next.Length() == 0 {
		return nil
	}
	form := next.Closest("form")
	if form.Length() == 0 {
		return nil
	}
	action := form.AttrOr("action", "")
	if action == "" {
		return nil
	}

	fields := htmlutil.HiddenInputs(form)
	fields[transactionNextEvent] = ""
	return &PageCursor{NextURL: action, Form: fields}
}
