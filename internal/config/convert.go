package config

import (
	"github.com/danmuck/hubctl/internal/controller"
	"github.com/danmuck/hubctl/internal/discovery"
)

// Controller maps the file configuration onto controller.Config.
func (c Config) Controller() controller.Config {
	return controller.Config{
		ListenAddr:  c.ListenAddr,
		AdvertiseIP: c.AdvertiseIP,
		DeviceID:    c.DeviceID,
		SettleDelay: c.SettleDelay,
		Discovery: discovery.Config{
			HubAddr:       c.HubAddr,
			DiscoveryPort: c.DiscoveryPort,
			ResponsePort:  c.ResponsePort,
			Timeout:       c.DiscoveryTimeout,
		},
		Session: c.Session,
	}
}
