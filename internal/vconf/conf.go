/* vusb - USB-over-network bridge
 *
 * Program configuration
 */

package vconf

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vusb-project/vusb/internal/paths"
	"github.com/vusb-project/vusb/internal/vlog"
)

// ServerConfig is vusbd's configuration
type ServerConfig struct {
	ListenPort        int           // TCP port vusbd listens on
	LoopbackOnly      bool          // Reject non-loopback connections
	IPV6Enable        bool          // Listen on IPv6 as well as IPv4
	MaxDevices        uint          // Maximum attached devices per session
	MaxFrameSize      int64         // Maximum wire frame size, in bytes
	UrbDeadlineMs      uint         // Default pending-URB deadline, milliseconds
	HeartbeatMs       uint          // PING interval, milliseconds
	HeartbeatTimeoutMs uint         // Time without traffic before a session is dropped
	LogMain           vlog.LogLevel // Main log LogLevel mask
	LogConsole        vlog.LogLevel // Console LogLevel mask
	LogMaxFileSize    int64         // Maximum log file size
	LogMaxBackupFiles uint          // Count of files preserved during rotation
	ColorConsole      bool          // Enable ANSI colors on console
	PolicyFile        string        // Path to device admission policy file, if any
	DNSSdEnable       bool          // Advertise the server's TCP port via DNS-SD/mDNS
}

// ClientConfig is vusb-client's configuration
type ClientConfig struct {
	ServerAddr        string        // host:port of the vusbd to connect to
	ClientName        string        // Name announced in CONNECT
	ReconnectMs       uint          // Delay before reconnecting after a dropped session
	HeartbeatMs       uint          // PING interval, milliseconds
	LogMain           vlog.LogLevel
	LogConsole        vlog.LogLevel
	LogMaxFileSize    int64
	LogMaxBackupFiles uint
	ColorConsole      bool
}

// DefaultServerConfig is the baseline ServerConfig, overridden by any
// configuration file found in paths.ConfDir or next to the executable
var DefaultServerConfig = ServerConfig{
	ListenPort:         7575,
	LoopbackOnly:       false,
	IPV6Enable:         true,
	MaxDevices:         16,
	MaxFrameSize:       65536,
	UrbDeadlineMs:      5000,
	HeartbeatMs:        15000,
	HeartbeatTimeoutMs: 45000,
	LogMain:            vlog.LogInfo,
	LogConsole:         vlog.LogInfo,
	LogMaxFileSize:     256 * 1024,
	LogMaxBackupFiles:  5,
	ColorConsole:       true,
	DNSSdEnable:        false,
}

// DefaultClientConfig is the baseline ClientConfig
var DefaultClientConfig = ClientConfig{
	ServerAddr:        "localhost:7575",
	ReconnectMs:       2000,
	HeartbeatMs:       15000,
	LogMain:           vlog.LogInfo,
	LogConsole:        vlog.LogInfo,
	LogMaxFileSize:    256 * 1024,
	LogMaxBackupFiles: 5,
	ColorConsole:      true,
}

// LoadServerConfig loads vusbd's configuration, starting from
// DefaultServerConfig and applying vusbd.conf from paths.ConfDir and
// from the executable's directory, in that order
func LoadServerConfig() (ServerConfig, error) {
	conf := DefaultServerConfig

	exedir, err := exeDir()
	if err != nil {
		return conf, fmt.Errorf("conf: %s", err)
	}

	files := []string{
		filepath.Join(paths.ConfDir, paths.ServerConfFileName),
		filepath.Join(exedir, paths.ServerConfFileName),
	}

	for _, file := range files {
		if err := loadServerFile(&conf, file); err != nil {
			return conf, fmt.Errorf("conf: %s", err)
		}
	}

	if conf.MaxDevices == 0 {
		return conf, errors.New("conf: max-devices must be greater than zero")
	}

	return conf, nil
}

// LoadClientConfig loads vusb-client's configuration
func LoadClientConfig() (ClientConfig, error) {
	conf := DefaultClientConfig

	exedir, err := exeDir()
	if err != nil {
		return conf, fmt.Errorf("conf: %s", err)
	}

	files := []string{
		filepath.Join(paths.ConfDir, paths.ClientConfFileName),
		filepath.Join(exedir, paths.ClientConfFileName),
	}

	for _, file := range files {
		if err := loadClientFile(&conf, file); err != nil {
			return conf, fmt.Errorf("conf: %s", err)
		}
	}

	return conf, nil
}

func exeDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Dir(exe), nil
}

func loadServerFile(conf *ServerConfig, path string) error {
	ini, err := OpenIniFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer ini.Close()

	for {
		rec, err := ini.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch rec.Section {
		case "network":
			switch rec.Key {
			case "listen-port":
				err = rec.LoadIPPort(&conf.ListenPort)
			case "interface":
				err = rec.LoadNamedBool(&conf.LoopbackOnly, "all", "loopback")
			case "ipv6":
				err = rec.LoadNamedBool(&conf.IPV6Enable, "disable", "enable")
			}
		case "devices":
			switch rec.Key {
			case "max-devices":
				err = rec.LoadUintRange(&conf.MaxDevices, 1, 256)
			case "max-frame-size":
				err = rec.LoadSize(&conf.MaxFrameSize)
			case "urb-deadline":
				err = rec.LoadUint(&conf.UrbDeadlineMs)
			case "policy-file":
				conf.PolicyFile = rec.Value
			}
		case "heartbeat":
			switch rec.Key {
			case "interval":
				err = rec.LoadUint(&conf.HeartbeatMs)
			case "timeout":
				err = rec.LoadUint(&conf.HeartbeatTimeoutMs)
			}
		case "logging":
			switch rec.Key {
			case "main-log":
				err = rec.LoadLogLevel(&conf.LogMain)
			case "console-log":
				err = rec.LoadLogLevel(&conf.LogConsole)
			case "console-color":
				err = rec.LoadNamedBool(&conf.ColorConsole, "disable", "enable")
			case "max-file-size":
				err = rec.LoadSize(&conf.LogMaxFileSize)
			case "max-backup-files":
				err = rec.LoadUint(&conf.LogMaxBackupFiles)
			}
		case "dns-sd":
			switch rec.Key {
			case "enable":
				err = rec.LoadNamedBool(&conf.DNSSdEnable, "disable", "enable")
			}
		}

		if err != nil {
			return err
		}
	}
}

func loadClientFile(conf *ClientConfig, path string) error {
	ini, err := OpenIniFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer ini.Close()

	for {
		rec, err := ini.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch rec.Section {
		case "network":
			switch rec.Key {
			case "server":
				conf.ServerAddr = rec.Value
			case "reconnect-interval":
				err = rec.LoadUint(&conf.ReconnectMs)
			}
		case "client":
			switch rec.Key {
			case "name":
				conf.ClientName = rec.Value
			}
		case "heartbeat":
			switch rec.Key {
			case "interval":
				err = rec.LoadUint(&conf.HeartbeatMs)
			}
		case "logging":
			switch rec.Key {
			case "main-log":
				err = rec.LoadLogLevel(&conf.LogMain)
			case "console-log":
				err = rec.LoadLogLevel(&conf.LogConsole)
			case "console-color":
				err = rec.LoadNamedBool(&conf.ColorConsole, "disable", "enable")
			case "max-file-size":
				err = rec.LoadSize(&conf.LogMaxFileSize)
			case "max-backup-files":
				err = rec.LoadUint(&conf.LogMaxBackupFiles)
			}
		}

		if err != nil {
			return err
		}
	}
}
