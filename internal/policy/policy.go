/* vusb - USB-over-network bridge
 *
 * Device admission policy: blacklist devices by VID:PID or client name
 */

// Package policy implements the device admission policy consulted by
// the server on DEVICE_ATTACH: a set of glob rules, loaded from an
// .INI-style file, each matched against either "vid:pid" or the
// connecting client's announced name.
package policy

import (
	"errors"
	"fmt"
	"io"

	"github.com/vusb-project/vusb/internal/vconf"
)

// ErrBlacklisted is returned by Admit when a device or client is
// rejected by policy
var ErrBlacklisted = errors.New("rejected by device admission policy")

// Rule is a single blacklist entry
type Rule struct {
	Origin    string // file:line of definition
	Match     string // glob pattern, matched against "vid:pid" or client name
	Blacklist bool
}

// Policy is an ordered set of Rules. The last matching rule wins,
// mirroring the override-by-later-definition behavior of the quirks
// files this is grounded on.
type Policy struct {
	rules []Rule
}

// Empty is a Policy with no rules — every device and client is admitted
var Empty = &Policy{}

// Load reads every "*.conf" style section in path and builds a Policy.
// A missing file is not an error; an empty Policy is returned.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Empty, nil
	}

	ini, err := vconf.OpenIniFile(path)
	if err != nil {
		return Empty, nil
	}
	defer ini.Close()

	p := &Policy{}

	for {
		rec, err := ini.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}

		if rec.Key != "blacklist" {
			continue
		}

		var blacklist bool
		if err := rec.LoadBool(&blacklist); err != nil {
			return nil, fmt.Errorf("%s:%d: %s", rec.File, rec.Line, err)
		}

		p.rules = append(p.rules, Rule{
			Origin:    fmt.Sprintf("%s:%d", rec.File, rec.Line),
			Match:     rec.Section,
			Blacklist: blacklist,
		})
	}

	return p, nil
}

// Admit checks a device attach attempt against the policy. vidPid is
// "vvvv:pppp" (lower-case hex, 4 digits each); clientName is the name
// announced by the client in CONNECT. Returns ErrBlacklisted if the
// last matching rule blacklists the device.
func (p *Policy) Admit(vidPid, clientName string) error {
	blacklisted := false

	for _, r := range p.rules {
		if GlobMatch(vidPid, r.Match) >= 0 || (clientName != "" && GlobMatch(clientName, r.Match) >= 0) {
			blacklisted = r.Blacklist
		}
	}

	if blacklisted {
		return ErrBlacklisted
	}
	return nil
}

// VidPid formats a vendor/product id pair the way Rule.Match expects
func VidPid(vid, pid uint16) string {
	return fmt.Sprintf("%04x:%04x", vid, pid)
}

