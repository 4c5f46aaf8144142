// Package config loads the YAML configuration file into a validated
// subnet.Config plus the handful of top-level daemon settings:
// listen-address, interface, lease-file, lease-time, probe-conflicts,
// subnet.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/B4ckslash/tinydhcpd/internal/dhcp4"
	"github.com/B4ckslash/tinydhcpd/internal/subnet"
	"gopkg.in/yaml.v3"
)

// File is the top-level shape of the configuration file.
type File struct {
	ListenAddress  string     `yaml:"listen-address"`
	Interface      string     `yaml:"interface"`
	LeaseFile      string     `yaml:"lease-file"`
	LeaseTime      int        `yaml:"lease-time"`
	ProbeConflicts bool       `yaml:"probe-conflicts"`
	Subnet         fileSubnet `yaml:"subnet"`
}

type fileSubnet struct {
	NetAddress string     `yaml:"net-address"`
	Netmask    string     `yaml:"netmask"`
	RangeStart string     `yaml:"range-start"`
	RangeEnd   string     `yaml:"range-end"`
	Hosts      []fileHost `yaml:"hosts"`
	Options    []string   `yaml:"options"`
}

type fileHost struct {
	Ether        string `yaml:"ether"`
	FixedAddress string `yaml:"fixed-address"`
}

// DefaultLeaseFile is used when the configuration omits lease-file.
const DefaultLeaseFile = "/var/lib/misc/tinydhcpd.leases"

// Load reads and parses the YAML file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	f := &File{LeaseFile: DefaultLeaseFile}
	if err = yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return f, nil
}

// Resolved is the daemon-level settings derived from a File, separate from
// the *subnet.Config handed to Policy.
type Resolved struct {
	ListenAddr     netip.Addr
	Interface      string
	LeaseFile      string
	ProbeConflicts bool
	Subnet         *subnet.Config
}

// Resolve converts f into a Resolved configuration, parsing and validating
// every address field and building the Reservations/Defaults maps. It does
// not call subnet.Config.Validate itself; callers do that so that
// validation errors are reported uniformly regardless of where a Config
// came from.
func (f *File) Resolve() (*Resolved, error) {
	var listenAddr netip.Addr
	if f.ListenAddress != "" {
		var err error
		listenAddr, err = netip.ParseAddr(f.ListenAddress)
		if err != nil {
			return nil, fmt.Errorf("parsing listen-address: %w", err)
		}
	}

	leaseSeconds := subnet.DefaultLeaseSeconds
	if f.LeaseTime > 0 {
		leaseSeconds = time.Duration(f.LeaseTime) * time.Second
	}

	net, err := netip.ParseAddr(f.Subnet.NetAddress)
	if err != nil {
		return nil, fmt.Errorf("parsing subnet net-address: %w", err)
	}

	mask, err := netip.ParseAddr(f.Subnet.Netmask)
	if err != nil {
		return nil, fmt.Errorf("parsing subnet netmask: %w", err)
	}

	rangeStart, err := netip.ParseAddr(f.Subnet.RangeStart)
	if err != nil {
		return nil, fmt.Errorf("parsing subnet range-start: %w", err)
	}

	rangeEnd, err := netip.ParseAddr(f.Subnet.RangeEnd)
	if err != nil {
		return nil, fmt.Errorf("parsing subnet range-end: %w", err)
	}

	reservations := make(map[dhcp4.HardwareAddress]netip.Addr, len(f.Subnet.Hosts))
	for i, h := range f.Subnet.Hosts {
		hw, hwErr := dhcp4.ParseHardwareAddress(h.Ether)
		if hwErr != nil {
			return nil, fmt.Errorf("parsing hosts[%d].ether: %w", i, hwErr)
		}

		fixed, fixedErr := netip.ParseAddr(h.FixedAddress)
		if fixedErr != nil {
			return nil, fmt.Errorf("parsing hosts[%d].fixed-address: %w", i, fixedErr)
		}

		reservations[hw] = fixed
	}

	defaults, err := parseOptions(f.Subnet.Options)
	if err != nil {
		return nil, fmt.Errorf("parsing subnet options: %w", err)
	}
	defaults[dhcp4.OptSubnetMask] = dhcp4.AddrBytes(mask)

	return &Resolved{
		ListenAddr:     listenAddr,
		Interface:      f.Interface,
		LeaseFile:      f.LeaseFile,
		ProbeConflicts: f.ProbeConflicts,
		Subnet: &subnet.Config{
			Network:      net,
			Netmask:      mask,
			RangeStart:   rangeStart,
			RangeEnd:     rangeEnd,
			LeaseSeconds: leaseSeconds,
			Reservations: reservations,
			Defaults:     defaults,
		},
	}, nil
}

// errUnknownOptionType is returned for an option type word not in
// optionHandlers.
const errUnknownOptionType errors.Error = "unknown option type"

// optionHandlers mirrors the teacher's dhcpOptionParserHandler table:
// each named type renders a value string into the option's wire bytes.
var optionHandlers = map[string]func(string) ([]byte, error){
	"hex":  hexOption,
	"ip":   ipOption,
	"ips":  ipsOption,
	"text": textOption,
}

// parseOptions parses each "<code> <type> <value>" line in lines into the
// subnet's Defaults map, grounded on the legacy dhcpOptionParser
// mini-language.
func parseOptions(lines []string) (dhcp4.Options, error) {
	out := make(dhcp4.Options, len(lines))

	for i, line := range lines {
		code, data, err := parseOptionLine(line)
		if err != nil {
			return nil, fmt.Errorf("option %d (%q): %w", i, line, err)
		}

		out[dhcp4.OptionTag(code)] = data
	}

	return out, nil
}

func parseOptionLine(s string) (code uint8, data []byte, err error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, " ", 3)
	if len(parts) < 3 {
		return 0, nil, errors.Error("need at least three fields: <code> <type> <value>")
	}

	code64, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return 0, nil, fmt.Errorf("parsing option code: %w", err)
	}

	h, ok := optionHandlers[parts[1]]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %q", errUnknownOptionType, parts[1])
	}

	data, err = h(parts[2])
	if err != nil {
		return 0, nil, err
	}

	return uint8(code64), data, nil
}
