package serialmux

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"

	"github.com/banshee-data/fixation.watch/internal/monitoring"
)

// ErrNoPort is returned when no attached port looks like the controller.
var ErrNoPort = errors.New("no matching serial port")

// DefaultIdentifiers are matched against the port description when the
// configuration does not name a port.
var DefaultIdentifiers = []string{"arduino", "usb", "serial", "uno", "r4", "wifi"}

// ListPorts returns every serial port visible to the host.
func ListPorts() ([]*enumerator.PortDetails, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	return ports, nil
}

// describe is the text identifiers are matched against.
func describe(p *enumerator.PortDetails) string {
	return strings.ToLower(p.Name + " " + p.Product)
}

// MatchPorts keeps the ports whose lower-cased name or product contains any
// identifier. Order is preserved.
func MatchPorts(ports []*enumerator.PortDetails, identifiers []string) []*enumerator.PortDetails {
	var out []*enumerator.PortDetails
	for _, p := range ports {
		if p == nil {
			continue
		}
		desc := describe(p)
		for _, id := range identifiers {
			id = strings.ToLower(strings.TrimSpace(id))
			if id != "" && strings.Contains(desc, id) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// DetectPort returns the path of the first port matching identifiers.
// When several match the first is used and the rest are reported in the
// log so the operator can pin one in the configuration.
func DetectPort(identifiers []string) (string, error) {
	ports, err := ListPorts()
	if err != nil {
		return "", err
	}
	return pickPort(ports, identifiers)
}

func pickPort(ports []*enumerator.PortDetails, identifiers []string) (string, error) {
	if len(identifiers) == 0 {
		identifiers = DefaultIdentifiers
	}
	matched := MatchPorts(ports, identifiers)
	if len(matched) == 0 {
		return "", fmt.Errorf("%d ports, none matching %v: %w", len(ports), identifiers, ErrNoPort)
	}
	for _, p := range matched[1:] {
		monitoring.Logf("serialmux: also matched %s (%s), using %s", p.Name, p.Product, matched[0].Name)
	}
	return matched[0].Name, nil
}
