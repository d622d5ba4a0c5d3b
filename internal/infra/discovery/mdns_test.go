package discovery

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
)

func TestEntryAddr(t *testing.T) {
	assert.Equal(t, "", entryAddr(nil))
	assert.Equal(t, "", entryAddr(&mdns.ServiceEntry{Port: 8080}))
	assert.Equal(t, "", entryAddr(&mdns.ServiceEntry{AddrV4: net.IPv4(10, 0, 0, 2)}))
	assert.Equal(t, "10.0.0.2:8080", entryAddr(&mdns.ServiceEntry{AddrV4: net.IPv4(10, 0, 0, 2), Port: 8080}))
}

func TestAdvertise_RejectsBadPort(t *testing.T) {
	_, err := Advertise("", 0)
	assert.Error(t, err)
}

func TestAnnouncer_NilShutdown(t *testing.T) {
	var a *Announcer
	assert.NoError(t, a.Shutdown())
}
