package config

import (
	"fmt"
	"os"
)

func Template() string {
	return hubctlTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(hubctlTemplate), 0o600)
}

const hubctlTemplate = `[hub]
addr = "192.168.40.65"
discovery_port = 8102

[controller]
listen = ":8002"
# advertise_ip = "192.168.40.61"
device_id = "03862A23"
settle_delay = "1s"
target_device = 0x02
repeat_interval = "500ms"

[discovery]
response_port = 8100
timeout = "5s"
max_attempts = 3

[session]
accept_timeout = "60s"
auth_timeout = "10s"
write_timeout = "5s"
idle_timeout = "0s"
max_resyncs = 8
resync_window = "10s"
backoff_initial = "500ms"
backoff_max = "10s"
backoff_multiplier = 2.0
backoff_jitter = true

[keys]
volume_up = 0xB6
volume_down = 0xB9

[metrics]
addr = ""
`
