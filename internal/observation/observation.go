package observation

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrParse is returned for rows that carry no usable columns.
var ErrParse = errors.New("parse error")

// Status is the classification of one scraped row.
type Status string

const (
	StatusExpired   Status = "EXPIRED"
	StatusTPMet     Status = "TP_MET"
	StatusFulfilled Status = "FULFILLED"
	StatusPending   Status = "PENDING"
	StatusUnknown   Status = "UNKNOWN"
)

// ZeroExpiry is the countdown text the venue shows for an expired order.
const ZeroExpiry = "00h 00m 00s"

var (
	entryPricePattern = regexp.MustCompile(`(?i)buy below \$([0-9]+(?:\.[0-9]+)?)\s*([kmb])?`)
	expiryPattern     = regexp.MustCompile(`^(\d+)h\s+(\d+)m\s+(\d+)s$`)
	whitespace        = regexp.MustCompile(`\s+`)
)

// Field is one column of a row. Present is false when the row was too short
// to carry the column.
type Field struct {
	Value   string
	Present bool
}

func (f Field) String() string { return f.Value }

// Observation is one parsed order row.
type Observation struct {
	Raw      string
	Position int

	Kind         Field // order type ("Auto Buy", "Limit"); absent in the short layout
	Side         Field
	Token        Field
	OrderAmount  Field
	Cost         Field
	AvgExecPrice Field
	Expiry       Field
	Wallets      Field
	Transactions Field
	Trigger      Field
	StatusHint   Field

	// EntryPrice is nil when the trigger carries no "Buy below $X" text.
	EntryPrice *float64
}

// FullColumns is the column count of a complete row: side, kind, token,
// order amount, cost, avg exec price, expiry, wallets, transactions,
// trigger condition and status.
const FullColumns = 11

// columns in the order the venue renders them. The short layout leaves out
// the kind column.
func (o *Observation) columns(withKind bool) []*Field {
	if withKind {
		return []*Field{
			&o.Side, &o.Kind, &o.Token, &o.OrderAmount, &o.Cost, &o.AvgExecPrice,
			&o.Expiry, &o.Wallets, &o.Transactions, &o.Trigger, &o.StatusHint,
		}
	}
	return []*Field{
		&o.Side, &o.Token, &o.OrderAmount, &o.Cost, &o.AvgExecPrice,
		&o.Expiry, &o.Wallets, &o.Transactions, &o.Trigger, &o.StatusHint,
	}
}

// Parse splits one row of scraped text into an Observation. Columns are
// separated by tabs or newlines; short rows leave trailing fields absent.
// Complete rows are mapped by position. Shorter rows carry the kind column
// only when the second piece reads like an order type ("Auto Buy", "Limit").
func Parse(raw string, position int) (Observation, error) {
	parts := splitColumns(raw)
	if len(parts) == 0 {
		return Observation{}, fmt.Errorf("%w: empty row at position %d", ErrParse, position)
	}

	obs := Observation{Raw: raw, Position: position}
	withKind := len(parts) >= FullColumns || (len(parts) > 1 && isKind(parts[1]))

	cols := obs.columns(withKind)
	for i, p := range parts {
		if i >= len(cols) {
			break
		}
		*cols[i] = Field{Value: p, Present: true}
	}
	// Some layouts render the order type before the side ("Auto", "Sell").
	if withKind && !isSide(obs.Side.Value) && isSide(obs.Kind.Value) {
		obs.Side, obs.Kind = obs.Kind, obs.Side
	}

	obs.EntryPrice = ParseEntryPrice(obs.Trigger.Value)
	return obs, nil
}

func splitColumns(raw string) []string {
	sep := "\n"
	if strings.Contains(raw, "\t") {
		sep = "\t"
	}
	var out []string
	for _, p := range strings.Split(raw, sep) {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isSide(s string) bool {
	switch strings.ToLower(s) {
	case "buy", "sell", "b", "s":
		return true
	}
	return false
}

var kindWords = map[string]bool{
	"auto": true, "limit": true, "market": true, "buy": true, "sell": true,
}

// isKind reports whether s is made only of order type words.
func isKind(s string) bool {
	words := strings.Fields(strings.ToLower(s))
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		if !kindWords[w] {
			return false
		}
	}
	return true
}

// ParseEntryPrice extracts the price from "Buy below $131k" style text.
func ParseEntryPrice(trigger string) *float64 {
	m := entryPricePattern.FindStringSubmatch(trigger)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	switch strings.ToLower(m[2]) {
	case "k":
		v *= 1e3
	case "m":
		v *= 1e6
	case "b":
		v *= 1e9
	}
	return &v
}

// ParseExpiry converts "63h 09m 52s" into a duration.
func ParseExpiry(s string) (time.Duration, bool) {
	m := expiryPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	sec, _ := strconv.Atoi(m[3])
	return time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute + time.Duration(sec)*time.Second, true
}

func normalize(s string) string {
	return strings.ToLower(whitespace.ReplaceAllString(strings.TrimSpace(s), " "))
}

func normalizeTight(s string) string {
	return strings.ToLower(whitespace.ReplaceAllString(s, ""))
}

// Classify derives the row status. The checks run in a fixed order and the
// first hit wins, so a zero expiry beats any trigger text.
func Classify(o Observation) Status {
	if o.Expiry.Present && normalize(o.Expiry.Value) == ZeroExpiry {
		return StatusExpired
	}

	trigger := normalizeTight(o.Trigger.Value)
	if trigger == "1sl" {
		return StatusTPMet
	}
	if trigger == "1tp,1sl" {
		return StatusFulfilled
	}
	if o.Token.Present && o.OrderAmount.Present &&
		strings.Contains(strings.ToLower(o.OrderAmount.Value), strings.ToLower(o.Token.Value)) {
		return StatusFulfilled
	}
	if o.EntryPrice != nil {
		return StatusPending
	}
	return StatusUnknown
}

// Fingerprint identifies an observation across runs. occurrence separates
// identical rows of the same token within one scrape.
func Fingerprint(profile string, o Observation, occurrence int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", profile, normalize(o.Token.Value), normalize(strings.Join(fieldValues(o), "|")), occurrence)
	return hex.EncodeToString(h.Sum(nil))
}

// fieldValues leaves out the expiry countdown, which changes every second
// while the row itself stays the same.
func fieldValues(o Observation) []string {
	return []string{
		o.Kind.Value, o.Side.Value, o.Token.Value, o.OrderAmount.Value,
		o.Trigger.Value, string(Classify(o)),
	}
}
