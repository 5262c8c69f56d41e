package app

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const mdnsDomain = "local."

// mdnsService is one record set announced on the dock network.
type mdnsService struct {
	instance string
	service  string
	port     int
	txt      []string
}

// mdnsServices lists what scales and dashboards look up: the MQTT listener
// for devices and the HTTP API with its live channel for dashboards.
func mdnsServices(hostname string, mqttPort, httpPort int) []mdnsService {
	if hostname == "" {
		hostname = "palletsync"
	}

	var services []mdnsService
	if mqttPort > 0 {
		services = append(services, mdnsService{
			instance: sanitizeMDNSInstance(fmt.Sprintf("palletsync scales (%s)", hostname)),
			service:  "_palletsync._tcp",
			port:     mqttPort,
			txt: []string{
				"proto=mqtt-3.1.1",
				"topics=" + readingTopics,
				fmt.Sprintf("http_port=%d", httpPort),
			},
		})
	}
	if httpPort > 0 {
		services = append(services, mdnsService{
			instance: sanitizeMDNSInstance(fmt.Sprintf("palletsync dashboard (%s)", hostname)),
			service:  "_http._tcp",
			port:     httpPort,
			txt: []string{
				"path=/",
				"ws=/ws",
				"events=" + fmt.Sprintf(EventTopicFormat, "+"),
			},
		})
	}
	return services
}

const readingTopics = "scales/<device>/{state,weight,bottles,status,vehicle}"

// startMDNS announces every service, tearing down the ones already registered
// if a later one fails.
func (a *App) startMDNS(mqttPort int) error {
	if mqttPort <= 0 {
		return fmt.Errorf("invalid mqtt port %d", mqttPort)
	}

	a.stopMDNS()

	hostname, _ := os.Hostname()
	var errs []error
	for _, svc := range mdnsServices(hostname, mqttPort, a.cfg.HTTPPort) {
		server, err := zeroconf.Register(svc.instance, svc.service, mdnsDomain, svc.port, svc.txt, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", svc.service, err))
			continue
		}
		a.mdns = append(a.mdns, server)
		a.logger.Info("mDNS advertisement started", "instance", svc.instance, "service", svc.service, "port", svc.port)
	}

	if len(errs) > 0 {
		a.stopMDNS()
		return errors.Join(errs...)
	}
	return nil
}

func (a *App) stopMDNS() {
	if len(a.mdns) == 0 {
		return
	}

	for _, server := range a.mdns {
		server.Shutdown()
	}
	a.logger.Info("mDNS advertisement stopped", "services", len(a.mdns))
	a.mdns = nil
}

func sanitizeMDNSInstance(name string) string {
	replacer := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ")
	cleaned := strings.TrimSpace(replacer.Replace(name))
	if cleaned == "" {
		cleaned = "palletsync"
	}
	runes := []rune(cleaned)
	const maxLen = 63
	if len(runes) > maxLen {
		cleaned = string(runes[:maxLen])
	}
	return cleaned
}
