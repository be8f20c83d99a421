package devinfo

import (
	"testing"

	"github.com/vusb-project/vusb/internal/proto"
)

func TestValidateGoodDescriptor(t *testing.T) {
	// bLength=9 bDescriptorType=2(config) wTotalLength=18, followed by a
	// 9-byte interface descriptor (bLength=9 type=4)
	raw := []byte{
		9, 2, 18, 0, 1, 1, 0, 0xC0, 50,
		9, 4, 0, 0, 1, 0xFF, 0, 0, 0,
	}
	if err := Validate(raw); err != nil {
		t.Fatalf("Validate: %s", err)
	}
}

func TestValidateRejectsLengthMismatch(t *testing.T) {
	raw := []byte{9, 2, 100, 0, 1, 1, 0, 0xC0, 50}
	if err := Validate(raw); err == nil {
		t.Fatal("expected InvalidDescriptor error")
	}
}

func TestValidateRejectsZeroLength(t *testing.T) {
	raw := []byte{9, 2, 18, 0, 1, 1, 0, 0xC0, 50, 0, 4, 0, 0, 1, 0xFF, 0, 0, 0}
	if err := Validate(raw); err == nil {
		t.Fatal("expected InvalidDescriptor error for zero bLength")
	}
}

func TestValidateRejectsOverrun(t *testing.T) {
	raw := []byte{9, 2, 18, 0, 1, 1, 0, 0xC0, 50, 200, 4, 0, 0, 1, 0xFF, 0, 0, 0}
	if err := Validate(raw); err == nil {
		t.Fatal("expected InvalidDescriptor error for overrun")
	}
}

func TestValidateRejectsEmpty(t *testing.T) {
	if err := Validate(nil); err == nil {
		t.Fatal("expected InvalidDescriptor error for empty descriptor")
	}
}

func TestValidateAcceptsLeadingDeviceDescriptor(t *testing.T) {
	// A real attach payload: an 18-byte standard device descriptor, no
	// configuration descriptor following.
	raw := []byte{
		0x12, 0x01, 0x00, 0x02, 0xFF, 0x00, 0x00, 0x40,
		0x34, 0x12, 0x78, 0x56, 0x00, 0x01, 0x01, 0x02, 0x03, 0x01,
	}
	if err := Validate(raw); err != nil {
		t.Fatalf("Validate: %s", err)
	}
}

func TestValidateAcceptsDeviceThenConfigDescriptor(t *testing.T) {
	dev := []byte{
		0x12, 0x01, 0x00, 0x02, 0xFF, 0x00, 0x00, 0x40,
		0x34, 0x12, 0x78, 0x56, 0x00, 0x01, 0x01, 0x02, 0x03, 0x01,
	}
	cfg := []byte{
		9, 2, 18, 0, 1, 1, 0, 0xC0, 50,
		9, 4, 0, 0, 1, 0xFF, 0, 0, 0,
	}
	raw := append(append([]byte{}, dev...), cfg...)
	if err := Validate(raw); err != nil {
		t.Fatalf("Validate: %s", err)
	}
}

func TestIdent(t *testing.T) {
	info := proto.DeviceInfo{VID: 0x1234, PID: 0x5678, Manufacturer: "Acme", Product: "Widget", Serial: "SN1"}
	id := Ident(info)
	want := "1234-5678-SN1-Acme-Widget"
	if id != want {
		t.Errorf("got %q, want %q", id, want)
	}
}
