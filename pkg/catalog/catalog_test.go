package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rebound-engine/rebound/pkg/types"
)

func TestLookupAlternatives_OrderedByPreference(t *testing.T) {
	c := New()
	c.Register("weather-api", types.StrategyDescriptor{ID: "scrape:html", Preference: 2})
	c.Register("weather-api", types.StrategyDescriptor{ID: "api:v1", Preference: 1})
	c.Register("weather-api", types.StrategyDescriptor{ID: "cache:stale", Preference: 3})

	got := c.LookupAlternatives("weather-api")
	require.Len(t, got, 3)
	assert.Equal(t, "api:v1", got[0].ID)
	assert.Equal(t, "scrape:html", got[1].ID)
	assert.Equal(t, "cache:stale", got[2].ID)
}

func TestLookupAlternatives_UnknownKeyIsEmpty(t *testing.T) {
	c := New()
	assert.Empty(t, c.LookupAlternatives("never-registered"))
}

func TestRegister_ReplacesByID(t *testing.T) {
	c := New()
	c.Register("weather-api", types.StrategyDescriptor{ID: "api:v1", Preference: 1})
	c.Register("weather-api", types.StrategyDescriptor{ID: "api:v1", Preference: 5,
		Metadata: map[string]string{"region": "eu"}})

	got := c.LookupAlternatives("weather-api")
	require.Len(t, got, 1)
	assert.Equal(t, 5, got[0].Preference)
	assert.Equal(t, "eu", got[0].Metadata["region"])
}

func TestLookupAlternatives_ResultIsACopy(t *testing.T) {
	c := New()
	c.Register("weather-api", types.StrategyDescriptor{ID: "api:v1", Preference: 1})

	got := c.LookupAlternatives("weather-api")
	got[0].ID = "mutated"

	fresh := c.LookupAlternatives("weather-api")
	assert.Equal(t, "api:v1", fresh[0].ID)
}

func TestKeysAreIsolated(t *testing.T) {
	c := New()
	c.Register("weather-api", types.StrategyDescriptor{ID: "api:v1"})
	c.Register("stock-api", types.StrategyDescriptor{ID: "feed:rt"})

	assert.Len(t, c.LookupAlternatives("weather-api"), 1)
	assert.Len(t, c.LookupAlternatives("stock-api"), 1)
	assert.Equal(t, "feed:rt", c.LookupAlternatives("stock-api")[0].ID)
}
