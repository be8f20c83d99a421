package vconf

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

const testConf = `
[network]
listen-port = 7575
interface = loopback
ipv6 = enable

[devices]
max-devices = 16
max-frame-size = 64K

[heartbeat]
interval = 15000
timeout = 45000

[logging]
main-log = debug,trace-proto
console-log = debug
max-file-size = 256K
max-backup-files = 5
console-color = enable
`

var testData = []struct{ section, key, value string }{
	{"network", "listen-port", "7575"},
	{"network", "interface", "loopback"},
	{"network", "ipv6", "enable"},
	{"devices", "max-devices", "16"},
	{"devices", "max-frame-size", "64K"},
	{"heartbeat", "interval", "15000"},
	{"heartbeat", "timeout", "45000"},
	{"logging", "main-log", "debug,trace-proto"},
	{"logging", "console-log", "debug"},
	{"logging", "max-file-size", "256K"},
	{"logging", "max-backup-files", "5"},
	{"logging", "console-color", "enable"},
}

func writeTestConf(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "vusbd.conf")
	if err := writeFile(path, testConf); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIniReader(t *testing.T) {
	path := writeTestConf(t)

	ini, err := OpenIniFile(path)
	if err != nil {
		t.Fatalf("%s", err)
	}
	defer ini.Close()

	var rec *IniRecord
	current := 0
	for err == nil {
		rec, err = ini.Next()
		if err != nil {
			break
		}

		if current >= len(testData) {
			t.Errorf("unexpected record: [%s] %s = %s", rec.Section, rec.Key, rec.Value)
		} else if rec.Section != testData[current].section ||
			rec.Key != testData[current].key ||
			rec.Value != testData[current].value {
			t.Errorf("data mismatch:")
			t.Errorf("  expected: [%s] %s = %s", testData[current].section, testData[current].key, testData[current].value)
			t.Errorf("  present:  [%s] %s = %s", rec.Section, rec.Key, rec.Value)
		} else {
			current++
		}
	}

	if err != io.EOF {
		t.Fatalf("%s", err)
	}

	if current != len(testData) {
		t.Errorf("got %d records, want %d", current, len(testData))
	}
}

func TestLoadServerConfigFromFile(t *testing.T) {
	path := writeTestConf(t)
	conf := DefaultServerConfig

	if err := loadServerFile(&conf, path); err != nil {
		t.Fatal(err)
	}

	if conf.ListenPort != 7575 {
		t.Errorf("ListenPort = %d, want 7575", conf.ListenPort)
	}
	if !conf.LoopbackOnly {
		t.Error("LoopbackOnly = false, want true")
	}
	if conf.MaxDevices != 16 {
		t.Errorf("MaxDevices = %d, want 16", conf.MaxDevices)
	}
	if conf.MaxFrameSize != 64*1024 {
		t.Errorf("MaxFrameSize = %d, want %d", conf.MaxFrameSize, 64*1024)
	}
	if conf.HeartbeatMs != 15000 || conf.HeartbeatTimeoutMs != 45000 {
		t.Errorf("heartbeat = %d/%d", conf.HeartbeatMs, conf.HeartbeatTimeoutMs)
	}
}

func TestLoadServerConfigMissingFileIsNotAnError(t *testing.T) {
	conf := DefaultServerConfig
	if err := loadServerFile(&conf, filepath.Join(t.TempDir(), "missing.conf")); err != nil {
		t.Fatalf("missing file should be silently ignored, got %s", err)
	}
}
