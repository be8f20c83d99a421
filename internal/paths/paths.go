/* vusb - USB-over-network bridge
 *
 * Common filesystem paths
 */

// Package paths centralizes the filesystem locations vusbd and
// vusb-client agree on: configuration, lock files and the control
// socket.
package paths

const (
	// ConfDir is the path to the configuration directory
	ConfDir = "/etc/vusb"

	// ProgState is the path to the program state directory
	ProgState = "/var/vusb"

	// LockDir is the path to the directory holding lock files
	LockDir = ProgState + "/lock"

	// LogDir is the path to the directory holding log files
	LogDir = ProgState + "/log"

	// ServerLockFile is the single-instance lock for vusbd
	ServerLockFile = LockDir + "/vusbd.lock"

	// ClientLockFile is the single-instance lock for vusb-client
	ClientLockFile = LockDir + "/vusb-client.lock"

	// ControlSocket is the Unix domain socket vusbd's control server
	// listens on, used by "vusbd status"
	ControlSocket = ProgState + "/vusbd.ctrl"

	// PolicyDir is a policy directory under ProgState. No code searches
	// it; the policy file is named by the policy-file config key.
	PolicyDir = ProgState + "/policy.d"

	// ConfPolicyDir is the policy directory alongside the config file
	ConfPolicyDir = ConfDir + "/policy.d"
)

// ServerConfFileName is the name of vusbd's configuration file
const ServerConfFileName = "vusbd.conf"

// ClientConfFileName is the name of vusb-client's configuration file
const ClientConfFileName = "vusb-client.conf"
