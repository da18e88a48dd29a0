package revenue

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
)

// FeeMode selects how the processor fee of a transaction is determined.
type FeeMode string

const (
	FeeModeEstimate FeeMode = "estimate"
	FeeModeActual   FeeMode = "actual"
)

// Metadata keys inspected by the classifier.
const (
	MetaCategory       = "category"
	MetaProductType    = "product_type"
	MetaShippingFee    = "shipping_fee"
	MetaQuantity       = "quantity"
	MetaPlanID         = "plan_id"
	MetaPriceID        = "price_id"
	MetaSubscriptionID = "subscription_id"
	MetaInterval       = "interval"
)

// Values of the explicit category tag set by the code path creating the charge.
const (
	TagSubscription = "subscription"
	TagOneTime      = "one_time"
	TagPhysical     = "physical"
)

var (
	DefaultProductVocabulary = []string{
		"t-shirt", "shirt", "hoodie", "mug", "sticker", "poster", "book", "merch", "shipping", "hardware",
	}
	DefaultSubscriptionKeywords = []string{
		"subscription", "membership", "renewal", "monthly plan", "yearly plan", "annual plan", "plan",
	}
	physicalProductTypes = map[string]struct{}{
		"physical": {}, "one_time": {}, "goods": {}, "merchandise": {}, "product": {},
	}
)

// Rules is the full classification input besides the transaction itself.
type Rules struct {
	FeeRate              decimal.Decimal
	FeeMode              FeeMode
	ProductVocabulary    []string
	SubscriptionKeywords []string
	Catalog              *entitlements.Catalog
	// PriceAliases maps processor price ids to catalog plan ids.
	PriceAliases map[string]string
}

// Classifier applies Rules. It holds no state besides the rules, so the same
// input always produces the same output.
type Classifier struct {
	rules Rules
}

// NewClassifier normalizes the vocabularies once.
func NewClassifier(rules Rules) *Classifier {
	if rules.FeeMode == "" {
		rules.FeeMode = FeeModeEstimate
	}
	if rules.ProductVocabulary == nil {
		rules.ProductVocabulary = DefaultProductVocabulary
	}
	if rules.SubscriptionKeywords == nil {
		rules.SubscriptionKeywords = DefaultSubscriptionKeywords
	}
	rules.ProductVocabulary = lowerAll(rules.ProductVocabulary)
	rules.SubscriptionKeywords = lowerAll(rules.SubscriptionKeywords)
	return &Classifier{rules: rules}
}

// ClassifyAll classifies every transaction, preserving order.
func (c *Classifier) ClassifyAll(txs []RawTransaction) []ClassifiedTransaction {
	out := make([]ClassifiedTransaction, 0, len(txs))
	for _, tx := range txs {
		out = append(out, c.Classify(tx))
	}
	return out
}

// Classify derives category, plan label and fee/net for one transaction.
func (c *Classifier) Classify(tx RawTransaction) ClassifiedTransaction {
	ct := ClassifiedTransaction{RawTransaction: tx}
	desc := wordText(tx.Description)

	switch {
	case tx.Refunded || tx.AmountRefunded.IsPositive():
		ct.Category = CategoryExcludedRefund
		ct.Reason = "refunded"
	case meta(tx, MetaCategory) != "":
		c.applyTag(&ct, strings.ToLower(meta(tx, MetaCategory)))
	case c.isNonSubscription(tx, desc):
		ct.Category = CategoryExcludedNonSubscription
		ct.Reason = "one-time or physical purchase"
	case c.isSubscription(tx, desc):
		ct.Category = CategorySubscription
		ct.Reason = "subscription evidence"
	default:
		ct.Category = CategoryExcludedNonSubscription
		ct.Reason = "no subscription evidence"
	}

	if ct.Category != CategorySubscription {
		ct.Fee = decimal.Zero
		ct.Net = decimal.Zero
		return ct
	}

	ct.PlanID = c.resolvePlanID(tx)
	ct.PlanLabel = entitlements.GenericPlanLabel
	if ct.PlanID != "" {
		ct.PlanLabel = c.rules.Catalog.Label(ct.PlanID)
	}
	ct.Interval = c.resolveInterval(tx, ct.PlanID)
	ct.Fee = c.fee(tx)
	ct.Net = tx.Amount.Sub(ct.Fee)
	return ct
}

func (c *Classifier) applyTag(ct *ClassifiedTransaction, tag string) {
	switch tag {
	case TagSubscription:
		ct.Category = CategorySubscription
		ct.Reason = "category tag"
	case TagOneTime, TagPhysical:
		ct.Category = CategoryExcludedNonSubscription
		ct.Reason = "category tag"
	default:
		ct.Category = CategoryExcludedNonSubscription
		ct.Reason = fmt.Sprintf("unknown category tag %q", tag)
	}
}

func (c *Classifier) isNonSubscription(tx RawTransaction, desc string) bool {
	if _, ok := physicalProductTypes[strings.ToLower(meta(tx, MetaProductType))]; ok {
		return true
	}
	if meta(tx, MetaShippingFee) != "" || meta(tx, MetaQuantity) != "" {
		return true
	}
	return containsAny(desc, c.rules.ProductVocabulary)
}

func (c *Classifier) isSubscription(tx RawTransaction, desc string) bool {
	if strings.EqualFold(meta(tx, MetaProductType), TagSubscription) {
		return true
	}
	if meta(tx, MetaPlanID) != "" || meta(tx, MetaPriceID) != "" || meta(tx, MetaSubscriptionID) != "" {
		return true
	}
	return containsAny(desc, c.rules.SubscriptionKeywords)
}

func (c *Classifier) resolvePlanID(tx RawTransaction) string {
	if id := meta(tx, MetaPlanID); id != "" {
		return strings.ToLower(id)
	}
	if price := meta(tx, MetaPriceID); price != "" {
		if alias, ok := c.rules.PriceAliases[price]; ok {
			return alias
		}
		return strings.ToLower(price)
	}
	return ""
}

// resolveInterval prefers the transaction's own hint, then the catalog;
// subscriptions with no information count at monthly face value.
func (c *Classifier) resolveInterval(tx RawTransaction, planID string) string {
	if hint := meta(tx, MetaInterval); hint != "" {
		return models.NormalizeBillingInterval(hint)
	}
	if p, ok := c.rules.Catalog.Lookup(planID); ok {
		return p.Interval
	}
	return models.BillingIntervalMonth
}

func (c *Classifier) fee(tx RawTransaction) decimal.Decimal {
	if c.rules.FeeMode == FeeModeActual && tx.ProcessorFee != nil {
		return tx.ProcessorFee.Round(2)
	}
	return tx.Amount.Mul(c.rules.FeeRate).Round(2)
}

func meta(tx RawTransaction, key string) string {
	if tx.Metadata == nil {
		return ""
	}
	return strings.TrimSpace(tx.Metadata[key])
}

// wordText lowercases s into space separated words with a space on both
// ends, so phrases only match on word boundaries.
func wordText(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	return " " + strings.Join(words, " ") + " "
}

// containsAny reports whether text (from wordText) holds one of the phrases
// as whole words, allowing a plural "s".
func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, " "+p+" ") || strings.Contains(text, " "+p+"s ") {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(wordText(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
