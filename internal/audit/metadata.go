package audit

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/host"
)

func collectMetadata(service, version string) Metadata {
	md := Metadata{
		Service:  service,
		Version:  version,
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		PID:      os.Getpid(),
	}

	if info, err := host.Info(); err == nil {
		md.Hostname = info.Hostname
		if info.Platform != "" {
			md.Platform = info.Platform + " " + info.PlatformVersion + " (" + runtime.GOARCH + ")"
		}
		return md
	}
	if hostname, err := os.Hostname(); err == nil {
		md.Hostname = hostname
	}
	return md
}
