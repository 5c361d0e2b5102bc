package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"ACME", "BTC-USD"}, splitList("acme, btc-usd"))
	assert.Equal(t, []string{"ACME"}, splitList("ACME"))
	assert.Equal(t, []string{"A", "B"}, splitList(" a ,, b , "))
	assert.Nil(t, splitList(""))
	assert.Nil(t, splitList(" , ,"))
}
