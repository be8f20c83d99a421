package proto

import (
	"bytes"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		cmd Command
		seq uint32
		pl  []byte
	}{
		{CmdPing, 1, nil},
		{CmdConnect, 2, ConnectReq{ClientVersion: 0x10000, Caps: 0, ClientName: "t"}.Encode()},
		{CmdDeviceAttach, 3, DeviceAttachReq{
			Info:        DeviceInfo{VID: 0x1234, PID: 0x5678, Class: 0xFF},
			Descriptors: []byte{0x12, 0x01, 0x00, 0x02},
		}.Encode()},
	}

	var buf bytes.Buffer
	for _, c := range cases {
		if err := WriteFrame(&buf, c.cmd, c.seq, c.pl); err != nil {
			t.Fatalf("WriteFrame(%v): %s", c.cmd, err)
		}
	}

	for _, c := range cases {
		fr, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame(%v): %s", c.cmd, err)
		}

		if fr.Header.Command != c.cmd {
			t.Errorf("command: got %v, want %v", fr.Header.Command, c.cmd)
		}
		if fr.Header.Sequence != c.seq {
			t.Errorf("sequence: got %d, want %d", fr.Header.Sequence, c.seq)
		}
		if !bytes.Equal(fr.Payload, c.pl) {
			t.Errorf("payload: got %v, want %v", fr.Payload, c.pl)
		}
	}
}

func TestReadFrameBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	_, err := ReadFrame(bytes.NewReader(buf))
	if err != ErrProtocol {
		t.Fatalf("got %v, want ErrProtocol", err)
	}
}

func TestReadFramePayloadTooLarge(t *testing.T) {
	var buf bytes.Buffer
	hdr := Header{Magic: Magic, Version: Version, Command: CmdPing, PayloadLen: 1000000}
	hdrbuf := make([]byte, HeaderSize)
	hdr.put(hdrbuf)
	buf.Write(hdrbuf)

	_, err := ReadFrame(&buf)
	if err != ErrPayloadTooLarge {
		t.Fatalf("got %v, want ErrPayloadTooLarge", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, CmdConnect, 1, make([]byte, 20))

	short := buf.Bytes()[:HeaderSize+5]
	_, err := ReadFrame(bytes.NewReader(short))
	if err != ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
}

func TestReadFrameEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestUrbSubmitHeaderOutData(t *testing.T) {
	hdr := UrbSubmitHeader{
		DeviceID: 1, UrbID: 7, Endpoint: 0x01,
		Type: TransferBulk, Direction: DirOut, BufLen: 4,
	}
	payload := EncodeSubmitUrb(hdr, []byte{1, 2, 3, 4})

	got, data, err := DecodeUrbSubmitHeader(payload)
	if err != nil {
		t.Fatal(err)
	}
	if got != hdr {
		t.Errorf("got %+v, want %+v", got, hdr)
	}
	if !bytes.Equal(data, []byte{1, 2, 3, 4}) {
		t.Errorf("data = %v", data)
	}
}

func TestUrbCompleteHeaderInData(t *testing.T) {
	hdr := UrbCompleteHeader{DeviceID: 1, UrbID: 7, Status: StatusSuccess, ActualLength: 8}
	payload := EncodeUrbComplete(hdr, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 1, 2, 3})

	got, data, err := DecodeUrbCompleteHeader(payload)
	if err != nil {
		t.Fatal(err)
	}
	if got != hdr {
		t.Errorf("got %+v, want %+v", got, hdr)
	}
	if len(data) != 8 {
		t.Errorf("data len = %d", len(data))
	}
}

func TestDeviceListRoundTrip(t *testing.T) {
	resp := DeviceListResp{
		Status: StatusSuccess,
		Devices: []DeviceInfo{
			{VID: 0x1234, PID: 0x5678},
			{VID: 0xAAAA, PID: 0xBBBB},
		},
	}

	got, err := DecodeDeviceListResp(resp.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Devices) != 2 || got.Devices[0].VID != 0x1234 || got.Devices[1].PID != 0xBBBB {
		t.Errorf("got %+v", got)
	}
}
