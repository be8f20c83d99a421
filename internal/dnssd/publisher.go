/* vusb - USB-over-network bridge
 *
 * Avahi D-Bus transport: registers an entry group and commits services
 * to it, the pure-Go equivalent of dnssd_avahi.go's
 * avahi_client_new/avahi_entry_group_new/avahi_entry_group_commit
 * sequence
 */

package dnssd

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	avahiBusName   = "org.freedesktop.Avahi"
	avahiServerObj = "/"

	avahiIfaceServer     = "org.freedesktop.Avahi.Server"
	avahiIfaceEntryGroup = "org.freedesktop.Avahi.EntryGroup"

	avahiIfUnspec    int32 = -1
	avahiProtoUnspec int32 = -1
	avahiProtoInet   int32 = 0
)

// Publisher registers one or more services under a single Service
// Instance Name and keeps the Avahi entry group alive until Close.
type Publisher struct {
	conn     *dbus.Conn
	group    dbus.BusObject
	groupPath dbus.ObjectPath
}

// Publish connects to the system bus, creates an Avahi entry group,
// adds every service in services under instance, and commits it.
// ipv6 controls whether AAAA/IPv6 protocol records are allowed;
// iface, when non-zero, restricts advertising to that network
// interface index (mirroring Conf.LoopbackOnly's iface pinning).
func Publish(instance string, services []ServiceInfo, iface int, ipv6 bool) (*Publisher, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("dnssd: connecting to system bus: %w", err)
	}

	server := conn.Object(avahiBusName, dbus.ObjectPath(avahiServerObj))

	var groupPath dbus.ObjectPath
	if err := server.Call(avahiIfaceServer+".EntryGroupNew", 0).Store(&groupPath); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dnssd: EntryGroupNew: %w", err)
	}

	group := conn.Object(avahiBusName, groupPath)

	ifIndex := avahiIfUnspec
	if iface != 0 {
		ifIndex = int32(iface)
	}
	proto := avahiProtoUnspec
	if !ipv6 {
		proto = avahiProtoInet
	}

	for _, svc := range services {
		call := group.Call(avahiIfaceEntryGroup+".AddService", 0,
			ifIndex, proto, uint32(0),
			instance, svc.Type, "", "",
			uint16(svc.Port), svc.Txt.strings())
		if call.Err != nil {
			group.Call(avahiIfaceEntryGroup+".Free", 0)
			conn.Close()
			return nil, fmt.Errorf("dnssd: AddService %s: %w", svc.Type, call.Err)
		}
	}

	if call := group.Call(avahiIfaceEntryGroup+".Commit", 0); call.Err != nil {
		group.Call(avahiIfaceEntryGroup+".Free", 0)
		conn.Close()
		return nil, fmt.Errorf("dnssd: Commit: %w", call.Err)
	}

	return &Publisher{conn: conn, group: group, groupPath: groupPath}, nil
}

// Close frees the entry group and disconnects from the bus
func (p *Publisher) Close() {
	if p.group != nil {
		p.group.Call(avahiIfaceEntryGroup+".Free", 0)
	}
	p.conn.Close()
}
