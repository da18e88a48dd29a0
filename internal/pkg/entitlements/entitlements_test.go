package entitlements

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/app/models"
)

func TestDefaultCatalogLookups(t *testing.T) {
	c := MustDefaultCatalog()

	p, ok := c.Lookup("TEAM_MONTHLY")
	require.True(t, ok)
	assert.True(t, p.IsCorporate())
	assert.Equal(t, 10, p.SeatLimit)
	assert.Equal(t, "Personal Yearly", c.Label("personal_yearly"))
	assert.Equal(t, GenericPlanLabel, c.Label("price_unknown"))
	assert.Equal(t, 0, c.SeatLimit("price_unknown"))
}

func TestNewCatalogValidation(t *testing.T) {
	_, err := NewCatalog([]Plan{{ID: "a"}, {ID: "A"}})
	assert.Error(t, err)

	_, err = NewCatalog([]Plan{{ID: "corp", Kind: KindCorporate}})
	assert.Error(t, err)

	c, err := NewCatalog([]Plan{{ID: "x", Interval: "weird"}})
	require.NoError(t, err)
	p, _ := c.Lookup("x")
	assert.Equal(t, KindPersonal, p.Kind)
	assert.Equal(t, models.BillingIntervalPermanent, p.Interval)
}

func TestLoadCatalogFromJSON(t *testing.T) {
	c, err := LoadCatalog(`[{"id":"pro","label":"Pro","kind":"corporate","interval":"year","seat_limit":5}]`)
	require.NoError(t, err)
	assert.Len(t, c.Plans(), 1)
	assert.Equal(t, 5, c.SeatLimit("pro"))

	_, err = LoadCatalog(`{not json`)
	assert.Error(t, err)
}
