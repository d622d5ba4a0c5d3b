package client

import (
	"time"

	"collaborative-canvas/internal/infra/discovery"
)

// Discover 在局域网中查找同步服务器，返回可直接传给 Dial 的 ws 地址
func Discover(service string, timeout time.Duration) ([]string, error) {
	addrs, err := discovery.Browse(service, timeout)
	if err != nil {
		return nil, err
	}
	return socketURLs(addrs), nil
}

func socketURLs(addrs []string) []string {
	urls := make([]string, 0, len(addrs))
	seen := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		urls = append(urls, "ws://"+a+"/ws")
	}
	return urls
}
