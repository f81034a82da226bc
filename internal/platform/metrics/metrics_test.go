package metrics

import (
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	m := New("dispatcher")
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Info.WithLabelValues("dispatcher")))

	families, err := m.Registry.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}
