package firecracker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"maps"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

// Networking defaults for the Firecracker CNI bridge.
const (
	// DefaultBridgeName is the Linux bridge device for microVM networking.
	DefaultBridgeName = "fcbr0"

	// DefaultSubnet is the CIDR subnet for microVM IP allocation.
	DefaultSubnet = "10.168.0.0/24"

	// DefaultGateway is the gateway IP address on the bridge.
	DefaultGateway = "10.168.0.1"

	// CNINetworkName names the generated default network. Contexts that
	// enable networking without naming a network join it.
	CNINetworkName = "sandboxd-fcnet"

	// CNIVersion is the CNI spec version used in conflist.
	CNIVersion = "1.0.0"

	// CNIIfName is the interface name inside the network namespace.
	CNIIfName = "eth0"

	// CNICacheDir is the directory for CNI result caching.
	CNICacheDir = "/var/lib/cni/cache"

	// NetNSRunDir is the directory for network namespaces.
	NetNSRunDir = "/var/run/netns"

	// NetNSPrefix is the prefix for per-context namespace names.
	NetNSPrefix = "sandboxd-"
)

// Required CNI plugins for Firecracker networking.
var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

// NetworkConfig holds the network configuration returned after CNI setup.
type NetworkConfig struct {
	// TAPDevice is the name of the TAP device created by tc-redirect-tap.
	TAPDevice string

	// GuestIP is the IP address assigned to the guest (CIDR notation).
	GuestIP string

	// GatewayIP is the gateway address for the guest.
	GatewayIP string

	// MACAddress is the MAC address of the guest interface.
	MACAddress string

	// NamespacePath is the full path to the network namespace.
	NamespacePath string
}

// ipForwardPath is the sysctl path to enable IPv4 forwarding.
const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// attachment is one context's namespace and the network it joined.
type attachment struct {
	nsPath   string
	confList *libcni.NetworkConfigList
}

// NetworkManager handles CNI-based networking for Firecracker microVMs.
type NetworkManager struct {
	cniBinDir     string
	cniConfigDir  string
	cniConfig     *libcni.CNIConfig
	confList      *libcni.NetworkConfigList
	confListBytes []byte // cached conflist JSON for WriteConfList
	logger        *slog.Logger

	mu       sync.Mutex
	attached map[string]attachment // context ID → attachment
}

// NewNetworkManager creates a NetworkManager with the given CNI configuration.
func NewNetworkManager(cfg Config, logger *slog.Logger) (*NetworkManager, error) {
	cniConfig := libcni.NewCNIConfigWithCacheDir(
		[]string{cfg.CNIBinDir},
		CNICacheDir,
		nil,
	)

	confBytes, err := generateConfList()
	if err != nil {
		return nil, fmt.Errorf("generate CNI conflist: %w", err)
	}

	confList, err := libcni.ConfListFromBytes(confBytes)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}

	return &NetworkManager{
		cniBinDir:     cfg.CNIBinDir,
		cniConfigDir:  cfg.CNIConfigDir,
		cniConfig:     cniConfig,
		confList:      confList,
		confListBytes: confBytes,
		logger:        logger,
		attached:      make(map[string]attachment),
	}, nil
}

// network returns the conflist for name. The empty name and CNINetworkName
// select the generated default; other names load from the config directory.
func (nm *NetworkManager) network(name string) (*libcni.NetworkConfigList, error) {
	if name == "" || name == CNINetworkName {
		return nm.confList, nil
	}
	list, err := libcni.LoadConfList(nm.cniConfigDir, name)
	if err != nil {
		return nil, fmt.Errorf("load CNI network %q: %w", name, err)
	}
	return list, nil
}

// Setup creates a network namespace for a context and attaches it to the
// named CNI network. Returns the TAP device and guest addressing.
func (nm *NetworkManager) Setup(ctx context.Context, vmID, network string) (*NetworkConfig, error) {
	confList, err := nm.network(network)
	if err != nil {
		return nil, err
	}

	nsName := NetNSPrefix + vmID
	nsPath := filepath.Join(NetNSRunDir, nsName)

	if err := createNetNS(nsName); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", nsName, err)
	}

	nm.mu.Lock()
	nm.attached[vmID] = attachment{nsPath: nsPath, confList: confList}
	nm.mu.Unlock()

	rtConf := runtimeConf(vmID, nsPath)
	result, err := nm.cniConfig.AddNetworkList(ctx, confList, rtConf)
	if err != nil {
		if cleanupErr := deleteNetNS(nsName); cleanupErr != nil {
			nm.logger.Warn("failed to clean up netns after CNI ADD failure",
				"context_id", vmID, "cleanup_error", cleanupErr)
		}
		nm.forget(vmID)
		return nil, fmt.Errorf("CNI ADD for %s: %w", vmID, err)
	}

	netCfg, err := parseResult(result, nsPath)
	if err != nil {
		if delErr := nm.cniConfig.DelNetworkList(ctx, confList, rtConf); delErr != nil {
			nm.logger.Debug("cleanup CNI DEL after parse failure", "context_id", vmID, "error", delErr)
		}
		if nsErr := deleteNetNS(nsName); nsErr != nil {
			nm.logger.Debug("cleanup netns after parse failure", "context_id", vmID, "error", nsErr)
		}
		nm.forget(vmID)
		return nil, fmt.Errorf("parse CNI result for %s: %w", vmID, err)
	}
	if netCfg.MACAddress == "" {
		netCfg.MACAddress = GenerateMAC(vmID).String()
	}

	nm.logger.Info("network setup complete",
		"context_id", vmID,
		"network", confList.Name,
		"tap", netCfg.TAPDevice,
		"guest_ip", netCfg.GuestIP,
		"namespace", nsPath,
	)

	return netCfg, nil
}

func (nm *NetworkManager) forget(vmID string) {
	nm.mu.Lock()
	delete(nm.attached, vmID)
	nm.mu.Unlock()
}

func runtimeConf(vmID, nsPath string) *libcni.RuntimeConf {
	return &libcni.RuntimeConf{
		ContainerID: vmID,
		NetNS:       nsPath,
		IfName:      CNIIfName,
	}
}

// Teardown removes networking and the network namespace for a context.
// Calls for contexts without networking are no-ops.
func (nm *NetworkManager) Teardown(ctx context.Context, vmID string) error {
	nm.mu.Lock()
	att, exists := nm.attached[vmID]
	if !exists {
		nm.mu.Unlock()
		return nil
	}
	delete(nm.attached, vmID)
	nm.mu.Unlock()

	var errs []error
	if err := nm.cniConfig.DelNetworkList(ctx, att.confList, runtimeConf(vmID, att.nsPath)); err != nil {
		nm.logger.Warn("CNI DEL failed", "context_id", vmID, "error", err)
		errs = append(errs, fmt.Errorf("CNI DEL for %s: %w", vmID, err))
	}
	if err := deleteNetNS(NetNSPrefix + vmID); err != nil {
		nm.logger.Warn("netns cleanup failed", "context_id", vmID, "error", err)
		errs = append(errs, fmt.Errorf("delete netns for %s: %w", vmID, err))
	}

	if len(errs) == 0 {
		nm.logger.Info("network teardown complete", "context_id", vmID)
	}
	return errors.Join(errs...)
}

// TeardownAll cleans up all tracked namespaces. Used during server shutdown.
func (nm *NetworkManager) TeardownAll(ctx context.Context) {
	nm.mu.Lock()
	vmIDs := slices.Collect(maps.Keys(nm.attached))
	nm.mu.Unlock()

	for _, vmID := range vmIDs {
		if err := nm.Teardown(ctx, vmID); err != nil {
			nm.logger.Error("teardown failed during shutdown", "context_id", vmID, "error", err)
		}
	}
}

// Verify reports every required CNI plugin missing from the bin directory.
func (nm *NetworkManager) Verify() error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		_, err := os.Stat(filepath.Join(nm.cniBinDir, plugin))
		switch {
		case errors.Is(err, os.ErrNotExist):
			missing = append(missing, plugin)
		case err != nil:
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", nm.cniBinDir, strings.Join(missing, ", "))
	}
	return nil
}

// WriteConfList writes the CNI conflist to the config directory.
func (nm *NetworkManager) WriteConfList() error {
	if err := os.MkdirAll(nm.cniConfigDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}

	confPath := filepath.Join(nm.cniConfigDir, CNINetworkName+".conflist")
	if err := os.WriteFile(confPath, nm.confListBytes, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}

	nm.logger.Info("wrote CNI conflist", "path", confPath)
	return nil
}

// confList is the structure for generating the CNI conflist JSON.
type confListJSON struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

// generateConfList returns the CNI conflist JSON for bridge + tc-redirect-tap.
func generateConfList() ([]byte, error) {
	confList := confListJSON{
		CNIVersion: CNIVersion,
		Name:       CNINetworkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    DefaultBridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  DefaultSubnet,
					"gateway": DefaultGateway,
				},
			},
			{
				"type": "tc-redirect-tap",
			},
		},
	}

	data, err := json.MarshalIndent(confList, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal conflist: %w", err)
	}
	return data, nil
}

// parseResult extracts the TAP device and guest address from a CNI ADD
// result. tc-redirect-tap adds a TAP next to the veth (CNIIfName) inside the
// namespace; the TAP is preferred, any sandboxed interface is the fallback.
func parseResult(result types.Result, nsPath string) (*NetworkConfig, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	var tap, fallback *types100.Interface
	for _, iface := range res.Interfaces {
		if iface.Sandbox == "" {
			continue
		}
		if fallback == nil {
			fallback = iface
		}
		if iface.Name != CNIIfName {
			tap = iface
			break
		}
	}
	if tap == nil {
		tap = fallback
	}
	if tap == nil {
		return nil, errors.New("no TAP device in CNI result (no interface with sandbox set)")
	}
	if len(res.IPs) == 0 {
		return nil, errors.New("no IP address in CNI result")
	}

	netCfg := &NetworkConfig{
		TAPDevice:     tap.Name,
		MACAddress:    tap.Mac,
		GuestIP:       res.IPs[0].Address.String(),
		NamespacePath: nsPath,
	}
	if gw := res.IPs[0].Gateway; gw != nil {
		netCfg.GatewayIP = gw.String()
	}
	return netCfg, nil
}

// createNetNS creates a named network namespace.
func createNetNS(name string) error {
	if err := os.MkdirAll(NetNSRunDir, 0o755); err != nil {
		return fmt.Errorf("create netns dir: %w", err)
	}
	return ipNetns("add", name)
}

// deleteNetNS removes a named network namespace. A missing namespace is not
// an error.
func deleteNetNS(name string) error {
	if _, err := os.Stat(filepath.Join(NetNSRunDir, name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat netns %s: %w", name, err)
	}
	return ipNetns("delete", name)
}

func ipNetns(verb, name string) error {
	out, err := exec.Command("ip", "netns", verb, name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip netns %s %s: %s: %w", verb, name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// EnsureIPForwarding turns on IPv4 forwarding, which outbound NAT from the
// bridge subnet needs. It writes only when forwarding is off.
func EnsureIPForwarding() error {
	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("read ip_forward: %w", err)
	}
	if strings.TrimSpace(string(data)) == "1" {
		return nil
	}
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}
	return nil
}

// GenerateMAC derives a locally administered unicast MAC from a context ID.
// It is used when the CNI result carries no MAC for the TAP device.
func GenerateMAC(vmID string) net.HardwareAddr {
	h := fnv.New32a()
	h.Write([]byte(vmID))
	sum := h.Sum32()

	mac := make(net.HardwareAddr, 6)
	mac[0] = 0x02
	mac[1] = 0xfc
	binary.BigEndian.PutUint32(mac[2:], sum)
	return mac
}
