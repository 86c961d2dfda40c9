package serial

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	bugst "go.bug.st/serial"
)

// Driver is a tty driver of type "serial" listed in /proc/tty/drivers.
type Driver struct {
	Name       string
	DeviceRoot string // e.g. /dev/ttyS
}

// Device is a device node belonging to a serial driver.
type Device struct {
	Path   string
	Driver string
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s)", filepath.Base(d.Path), d.Driver)
}

// Finder enumerates serial devices on a best-effort basis.
type Finder struct {
	DriversFile string
	DevDir      string
	// ListPorts, when set, contributes extra paths (go.bug.st/serial by default).
	ListPorts func() ([]string, error)
}

// DefaultFinder scans /proc/tty/drivers and /dev.
var DefaultFinder = Finder{
	DriversFile: "/proc/tty/drivers",
	DevDir:      "/dev",
	ListPorts:   bugst.GetPortsList,
}

// ListDevices returns every serial device the default finder can see.
func ListDevices() []Device { return DefaultFinder.Devices() }

// ListDevicePaths returns the paths from ListDevices.
func ListDevicePaths() []string { return DefaultFinder.Paths() }

var driverFieldSep = regexp.MustCompile(` +`)

// ParseDrivers reads the /proc/tty/drivers format and keeps serial drivers.
func ParseDrivers(r io.Reader) ([]Driver, error) {
	var out []Driver
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		// the driver name may contain spaces; it occupies the first 0x15 columns
		name := line
		if len(name) > 0x15 {
			name = name[:0x15]
		}
		name = strings.TrimSpace(name)
		fields := driverFieldSep.Split(strings.TrimSpace(line), -1)
		if len(fields) >= 5 && fields[len(fields)-1] == "serial" {
			out = append(out, Driver{Name: name, DeviceRoot: fields[len(fields)-4]})
		}
	}
	return out, sc.Err()
}

// Drivers returns the serial drivers known to the kernel.
func (f Finder) Drivers() ([]Driver, error) {
	file, err := os.Open(f.DriversFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ParseDrivers(file)
}

// Devices lists device nodes for every serial driver, plus any extra
// ports reported by ListPorts. Errors are logged and skipped.
func (f Finder) Devices() []Device {
	seen := make(map[string]struct{})
	var out []Device

	drivers, err := f.Drivers()
	if err != nil {
		logger().Debug().Err(err).Str("file", f.DriversFile).Msg("tty drivers unavailable")
	}
	entries, err := os.ReadDir(f.DevDir)
	if err != nil {
		logger().Debug().Err(err).Str("dir", f.DevDir).Msg("device dir unavailable")
	}
	for _, drv := range drivers {
		root := strings.ToLower(filepath.Base(drv.DeviceRoot))
		for _, e := range entries {
			if !strings.HasPrefix(strings.ToLower(e.Name()), root) {
				continue
			}
			p := filepath.Join(f.DevDir, e.Name())
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, Device{Path: p, Driver: drv.Name})
		}
	}

	if f.ListPorts != nil {
		ports, err := f.ListPorts()
		if err != nil {
			logger().Debug().Err(err).Msg("port enumeration failed")
		}
		for _, p := range ports {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, Device{Path: p, Driver: "unknown"})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Paths returns the device paths from Devices.
func (f Finder) Paths() []string {
	devs := f.Devices()
	out := make([]string, len(devs))
	for i, d := range devs {
		out[i] = d.Path
	}
	return out
}
