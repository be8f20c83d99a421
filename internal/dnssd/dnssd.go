/* vusb - USB-over-network bridge
 *
 * DNS-SD publisher: advertises the server's TCP port over mDNS so
 * clients can find it without a configured address
 */

// Package dnssd advertises the vusbd TCP endpoint via Avahi, talking
// directly to avahi-daemon's D-Bus API rather than linking against
// libavahi-client, the way the teacher's cgo Avahi binding does the
// same registration.
package dnssd

// TxtItem is a single TXT record key/value pair
type TxtItem struct {
	Key, Value string
}

// TxtRecord is an ordered collection of TxtItem
type TxtRecord []TxtItem

// Add appends an item to the record
func (txt *TxtRecord) Add(key, value string) {
	*txt = append(*txt, TxtItem{key, value})
}

// IfNotEmpty adds key=value if value is non-empty, reporting whether it did
func (txt *TxtRecord) IfNotEmpty(key, value string) bool {
	if value == "" {
		return false
	}
	txt.Add(key, value)
	return true
}

func (txt TxtRecord) strings() []string {
	out := make([]string, len(txt))
	for i, item := range txt {
		out[i] = item.Key + "=" + item.Value
	}
	return out
}

// ServiceInfo describes one DNS-SD service record
type ServiceInfo struct {
	Type string    // i.e. "_vusb._tcp"
	Port int       // TCP port
	Txt  TxtRecord // TXT record
}

// ServiceType is the service type vusbd publishes itself as
const ServiceType = "_vusb._tcp"
