package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptodata/api-gateway/internal/config"
)

func TestRouteTable_Match(t *testing.T) {
	table, err := NewRouteTable([]config.RouteConfig{
		{Pattern: "/api", Class: "default"},
		{Pattern: "/api/v1/coins/", Class: "premium", Price: "0.001"},
		{Pattern: "/api/v1/coins/bitcoin", Class: "premium", Price: "0.01"},
	})
	require.NoError(t, err)

	tests := []struct {
		path    string
		pattern string
		ok      bool
	}{
		{"/api/v1/coins", "/api/v1/coins", true},
		{"/api/v1/coins/eth", "/api/v1/coins", true},
		{"/api/v1/coins/bitcoin/history", "/api/v1/coins/bitcoin", true},
		{"/api/v1/coinsx", "/api", true},
		{"/api", "/api", true},
		{"/apix", "", false},
		{"/", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r, ok := table.Match(tt.path)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.pattern, r.Pattern)
			}
		})
	}
}

func TestRouteTable_Pricing(t *testing.T) {
	table, err := NewRouteTable(config.DefaultPolicy().Routes)
	require.NoError(t, err)

	news, ok := table.Match("/api/news")
	require.True(t, ok)
	assert.False(t, news.Priced)

	week, ok := table.Match("/api/passes/week")
	require.True(t, ok)
	assert.True(t, week.Priced)
	assert.True(t, week.SellsPass())
	assert.Equal(t, "10", week.Price.String())

	_, err = NewRouteTable([]config.RouteConfig{{Pattern: "/x", Price: "cheap"}})
	assert.Error(t, err)
}
