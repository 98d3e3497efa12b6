package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "usd", c.Currency())
	diy, ok := c.Plan("home-diy")
	require.True(t, ok)
	assert.False(t, diy.RequiresInstall)
	assert.Equal(t, 199.0, diy.HardwarePrice)

	warranty, ok := c.AddOn("extended-warranty")
	require.True(t, ok)
	assert.Equal(t, 40.0, warranty.Price)

	_, ok = c.Plan("missing")
	assert.False(t, ok)
}

func TestParseRejectsDuplicates(t *testing.T) {
	_, err := Parse([]byte(`
plans:
  - id: a
    hardwarePrice: 1
  - id: a
    hardwarePrice: 2
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate plan")
}

func TestParseRejectsNegativePrice(t *testing.T) {
	_, err := Parse([]byte(`
plans:
  - id: a
    hardwarePrice: 1
addOns:
  - id: x
    price: -3
`))
	require.Error(t, err)
}

func TestNewRequiresPlans(t *testing.T) {
	_, err := New("usd", nil, nil)
	require.Error(t, err)
}
