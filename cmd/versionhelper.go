package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"
)

// versionPrinter prints the node version together with the host it runs on.
func versionPrinter(c *cli.Context) {
	fmt.Fprintf(c.App.Writer, "%s %s\n", c.App.Name, c.App.Version)
	fmt.Fprintf(c.App.Writer, "  commit:  %s\n", commit)
	fmt.Fprintf(c.App.Writer, "  built:   %s\n", date)
	fmt.Fprintf(c.App.Writer, "  go:      %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	if hostOS, err := getHostOS(); err == nil {
		fmt.Fprintf(c.App.Writer, "  host:    %s\n", hostOS)
	}
	if mem, err := getHostMem(); err == nil {
		fmt.Fprintf(c.App.Writer, "  memory:  %s\n", mem)
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		for _, mod := range info.Deps {
			if strings.HasPrefix(mod.Path, "github.com/anyproto/any-sync") ||
				strings.HasPrefix(mod.Path, "github.com/libp2p/go-libp2p") {
				fmt.Fprintf(c.App.Writer, "  ▸ %s (%s)\n", mod.Path, mod.Version)
			}
		}
	}
}

// getHostOS returns detailed information about the operating system
func getHostOS() (string, error) {
	switch runtime.GOOS {
	case "linux":
		// PRETTY_NAME="Debian GNU/Linux 12 (bookworm)"
		data, err := os.ReadFile("/etc/os-release")
		if err != nil {
			return "", err
		}

		for _, line := range strings.Split(string(data), "\n") {
			if name, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
				return strings.Trim(name, "\""), nil
			}
		}

		return "Linux", nil
	case "darwin":
		if out, err := exec.Command("sw_vers", "-productVersion").Output(); err == nil {
			return "macOS " + strings.TrimSpace(string(out)), nil
		}

		return "macOS", nil
	default:
		return runtime.GOOS, nil
	}
}

// getHostMem returns the total system memory
func getHostMem() (string, error) {
	var totalBytes uint64

	switch runtime.GOOS {
	case "linux":
		data, err := os.ReadFile("/proc/meminfo")
		if err != nil {
			return "", err
		}
		totalBytes = parseMemTotal(string(data))
	case "darwin":
		if out, err := exec.Command("sysctl", "-n", "hw.memsize").Output(); err == nil {
			if bytes, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64); err == nil {
				totalBytes = bytes
			}
		}
	}

	if totalBytes > 0 {
		return fmt.Sprintf("%d MB", totalBytes/1024/1024), nil
	}

	return "", errors.New("unable to determine memory")
}

// parseMemTotal reads the MemTotal line of /proc/meminfo in bytes.
func parseMemTotal(meminfo string) uint64 {
	for _, line := range strings.Split(meminfo, "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 3 && fields[2] == "kB" {
			if kb, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				return kb * 1024
			}
		}
		return 0
	}
	return 0
}
