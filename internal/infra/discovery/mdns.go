// Package discovery 通过 mDNS 在局域网内广播/发现同步服务器。
package discovery

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/sirupsen/logrus"
)

// DefaultService 是默认的 mDNS 服务类型。
const DefaultService = "_sketchbook._tcp"

// Announcer 持有正在运行的 mDNS 服务器。
type Announcer struct {
	server  *mdns.Server
	service string
}

// Advertise 以本机主机名为实例名广播服务，info 写入 TXT 记录。
func Advertise(service string, port int, info ...string) (*Announcer, error) {
	if service == "" {
		service = DefaultService
	}
	if port <= 0 {
		return nil, fmt.Errorf("discovery: invalid port %d", port)
	}
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("discovery: could not get hostname: %w", err)
	}
	if len(info) == 0 {
		info = []string{"sketchbook collaborative canvas"}
	}
	zone, err := mdns.NewMDNSService(host, service, "", "", port, nil, info)
	if err != nil {
		return nil, fmt.Errorf("discovery: failed to create mDNS service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return nil, fmt.Errorf("discovery: failed to start mDNS server: %w", err)
	}
	logrus.WithFields(logrus.Fields{"service": service, "port": port, "host": host}).Info("mDNS announcement started")
	return &Announcer{server: server, service: service}, nil
}

// Shutdown 停止广播。
func (a *Announcer) Shutdown() error {
	if a == nil || a.server == nil {
		return nil
	}
	logrus.WithField("service", a.service).Info("mDNS announcement stopped")
	return a.server.Shutdown()
}

// Browse 在 timeout 内查询局域网中的服务，返回 "ip:port" 列表。
func Browse(service string, timeout time.Duration) ([]string, error) {
	if service == "" {
		service = DefaultService
	}
	entries := make(chan *mdns.ServiceEntry, 16)
	var found []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			if addr := entryAddr(e); addr != "" {
				found = append(found, addr)
			}
		}
	}()

	params := mdns.DefaultParams(service)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.Query(params)
	close(entries)
	<-done
	if err != nil {
		return nil, fmt.Errorf("discovery: mDNS query failed: %w", err)
	}
	return found, nil
}

func entryAddr(e *mdns.ServiceEntry) string {
	if e == nil || e.AddrV4 == nil || e.Port == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", e.AddrV4.String(), e.Port)
}
