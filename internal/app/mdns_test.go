package app

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMDNSServicesAdvertiseBrokerAndDashboard(t *testing.T) {
	services := mdnsServices("dock.office", 1883, 8080)
	require.Len(t, services, 2)

	broker, dashboard := services[0], services[1]
	assert.Equal(t, "_palletsync._tcp", broker.service)
	assert.Equal(t, 1883, broker.port)
	assert.Equal(t, "palletsync scales (dock office)", broker.instance)
	assert.Contains(t, broker.txt, "http_port=8080")

	assert.Equal(t, "_http._tcp", dashboard.service)
	assert.Equal(t, 8080, dashboard.port)
	assert.Contains(t, dashboard.txt, "ws=/ws")
	assert.Contains(t, dashboard.txt, "events=palletsync/+/events")
}

func TestMDNSServicesSkipUnboundPorts(t *testing.T) {
	services := mdnsServices("", 1883, 0)
	require.Len(t, services, 1)
	assert.Equal(t, "palletsync scales (palletsync)", services[0].instance)
}

func TestSanitizeMDNSInstance(t *testing.T) {
	assert.Equal(t, "palletsync", sanitizeMDNSInstance(" \n "))
	assert.Equal(t, "a b c", sanitizeMDNSInstance("a.b_c"))
	assert.Len(t, []rune(sanitizeMDNSInstance(strings.Repeat("x", 100))), 63)
}
