package gateway

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cryptodata/api-gateway/internal/config"
)

// Route is one gated path prefix.
type Route struct {
	Pattern     string
	Class       string
	Description string
	Price       decimal.Decimal
	Priced      bool
	// PassClass is set on routes that sell an access pass.
	PassClass string
}

// SellsPass reports whether paying on this route buys an access pass.
func (r *Route) SellsPass() bool { return r.PassClass != "" }

// RouteTable matches request paths to routes by longest prefix.
type RouteTable struct {
	routes []Route
}

func NewRouteTable(cfg []config.RouteConfig) (*RouteTable, error) {
	t := &RouteTable{}
	for _, rc := range cfg {
		r := Route{
			Pattern:     strings.TrimSuffix(rc.Pattern, "/"),
			Class:       rc.Class,
			Description: rc.Description,
			PassClass:   rc.Pass,
		}
		if r.Pattern == "" {
			r.Pattern = "/"
		}
		if rc.Price != "" {
			price, err := decimal.NewFromString(rc.Price)
			if err != nil {
				return nil, fmt.Errorf("route %q: invalid price: %w", rc.Pattern, err)
			}
			r.Price = price
			r.Priced = true
		}
		t.routes = append(t.routes, r)
	}
	sort.SliceStable(t.routes, func(i, j int) bool {
		return len(t.routes[i].Pattern) > len(t.routes[j].Pattern)
	})
	return t, nil
}

// Match returns the most specific route covering path. A pattern covers
// itself and anything below it on a segment boundary.
func (t *RouteTable) Match(path string) (*Route, bool) {
	for i := range t.routes {
		p := t.routes[i].Pattern
		if p == "/" || path == p || strings.HasPrefix(path, p+"/") {
			return &t.routes[i], true
		}
	}
	return nil, false
}

// Routes returns the table in match order.
func (t *RouteTable) Routes() []Route {
	return append([]Route(nil), t.routes...)
}
