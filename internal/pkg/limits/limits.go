// Package limits loads the per payment method amount limits.
package limits

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/shopspring/decimal"
)

// DefaultLimits is used when no limits file is configured. Amounts are in
// the transaction currency. A zero cap disables the cap.
var DefaultLimits = []byte(`
methods:
  havale:
    deposit:
      min: 50
      max: 100000
      daily: 250000
      monthly: 1000000
    withdraw:
      min: 100
      max: 50000
      daily: 100000
      monthly: 500000
  papara:
    deposit:
      min: 20
      max: 25000
      daily: 50000
      monthly: 250000
    withdraw:
      min: 50
      max: 20000
      daily: 40000
      monthly: 200000
  crypto:
    deposit:
      min: 100
      max: 500000
      daily: 0
      monthly: 0
    withdraw:
      min: 200
      max: 250000
      daily: 500000
      monthly: 0
`)

type bound struct {
	Min     float64 `koanf:"min"`
	Max     float64 `koanf:"max"`
	Daily   float64 `koanf:"daily"`
	Monthly float64 `koanf:"monthly"`
}

type methodBounds struct {
	Deposit  bound `koanf:"deposit"`
	Withdraw bound `koanf:"withdraw"`
}

type document struct {
	Methods map[string]methodBounds `koanf:"methods"`
}

// Limit is the allowed range for one method and direction.
type Limit struct {
	Min     decimal.Decimal
	Max     decimal.Decimal
	Daily   decimal.Decimal
	Monthly decimal.Decimal
}

// HasDailyCap reports whether a daily cap applies.
func (l Limit) HasDailyCap() bool { return l.Daily.IsPositive() }

// HasMonthlyCap reports whether a monthly cap applies.
func (l Limit) HasMonthlyCap() bool { return l.Monthly.IsPositive() }

// Table is immutable after Load.
type Table struct {
	deposit  map[string]Limit
	withdraw map[string]Limit
}

// Load reads the defaults and overrides them with path, if given.
func Load(path string) (*Table, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(DefaultLimits), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load default limits: %w", err)
	}
	if strings.TrimSpace(path) != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load limits file %s: %w", path, err)
		}
	}

	var doc document
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("unmarshal limits: %w", err)
	}
	return newTable(doc)
}

func newTable(doc document) (*Table, error) {
	t := &Table{
		deposit:  make(map[string]Limit, len(doc.Methods)),
		withdraw: make(map[string]Limit, len(doc.Methods)),
	}
	for name, m := range doc.Methods {
		key := strings.ToLower(strings.TrimSpace(name))
		dep, err := toLimit(key, "deposit", m.Deposit)
		if err != nil {
			return nil, err
		}
		wd, err := toLimit(key, "withdraw", m.Withdraw)
		if err != nil {
			return nil, err
		}
		t.deposit[key] = dep
		t.withdraw[key] = wd
	}
	return t, nil
}

func toLimit(method, direction string, b bound) (Limit, error) {
	l := Limit{
		Min:     decimal.NewFromFloat(b.Min),
		Max:     decimal.NewFromFloat(b.Max),
		Daily:   decimal.NewFromFloat(b.Daily),
		Monthly: decimal.NewFromFloat(b.Monthly),
	}
	if l.Min.IsNegative() || l.Max.IsNegative() || l.Daily.IsNegative() || l.Monthly.IsNegative() {
		return Limit{}, fmt.Errorf("limits: %s %s has a negative bound", method, direction)
	}
	if l.Max.IsPositive() && l.Min.GreaterThan(l.Max) {
		return Limit{}, fmt.Errorf("limits: %s %s min %s exceeds max %s", method, direction, l.Min, l.Max)
	}
	return l, nil
}

// Deposit returns the deposit limit for method.
func (t *Table) Deposit(method string) (Limit, bool) {
	l, ok := t.deposit[strings.ToLower(strings.TrimSpace(method))]
	return l, ok
}

// Withdraw returns the withdrawal limit for method.
func (t *Table) Withdraw(method string) (Limit, bool) {
	l, ok := t.withdraw[strings.ToLower(strings.TrimSpace(method))]
	return l, ok
}

// Methods lists the configured payment methods.
func (t *Table) Methods() []string {
	out := make([]string, 0, len(t.deposit))
	for k := range t.deposit {
		out = append(out, k)
	}
	return out
}
