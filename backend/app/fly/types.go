package fly

// Target selects the app and credentials a request runs against.
type Target struct {
	App   string
	Token string
}

type VolumeRequest struct {
	Name       string `json:"name"`
	Region     string `json:"region"`
	SizeGB     int    `json:"size_gb"`
	SnapshotID string `json:"snapshot_id,omitempty"`
}

type Volume struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Region string `json:"region,omitempty"`
	State  string `json:"state,omitempty"`
}

type Guest struct {
	CPUKind  string `json:"cpu_kind"`
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memory_mb"`
}

type RestartPolicy struct {
	Policy string `json:"policy"`
}

type Mount struct {
	Volume string `json:"volume"`
	Path   string `json:"path"`
}

type Port struct {
	Port     int      `json:"port"`
	Handlers []string `json:"handlers"`
}

type Check struct {
	Type        string `json:"type"`
	Interval    string `json:"interval"`
	Timeout     string `json:"timeout"`
	GracePeriod string `json:"grace_period"`
}

type Service struct {
	Protocol     string  `json:"protocol"`
	InternalPort int     `json:"internal_port"`
	Ports        []Port  `json:"ports"`
	Autostart    bool    `json:"autostart"`
	Autostop     bool    `json:"autostop"`
	Checks       []Check `json:"checks"`
}

type MachineConfig struct {
	Image    string            `json:"image"`
	Guest    Guest             `json:"guest"`
	Restart  RestartPolicy     `json:"restart"`
	Env      map[string]string `json:"env"`
	Mounts   []Mount           `json:"mounts"`
	Services []Service         `json:"services"`
}

type createMachineRequest struct {
	Region string        `json:"region,omitempty"`
	Config MachineConfig `json:"config"`
}

type Machine struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	State  string `json:"state,omitempty"`
	Region string `json:"region,omitempty"`
}

// VolumeSnapshot is the normalised snapshot-create response. ID is empty when
// the API accepted the request without returning an identifier.
type VolumeSnapshot struct {
	ID string
}

// snapshotResponse accepts both the flat and the nested response shapes.
type snapshotResponse struct {
	ID       string `json:"id"`
	Snapshot *struct {
		ID string `json:"id"`
	} `json:"snapshot"`
}

func (r snapshotResponse) normalize() VolumeSnapshot {
	if r.ID != "" {
		return VolumeSnapshot{ID: r.ID}
	}
	if r.Snapshot != nil {
		return VolumeSnapshot{ID: r.Snapshot.ID}
	}
	return VolumeSnapshot{}
}

type execRequest struct {
	Command []string `json:"command"`
}

type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// DefaultMachineConfig fills in the guest, restart policy, volume mount and
// public TLS service every agent machine runs with.
func DefaultMachineConfig(image string, memoryMB int, volumeID string, env map[string]string) MachineConfig {
	return MachineConfig{
		Image:   image,
		Guest:   Guest{CPUKind: "shared", CPUs: 1, MemoryMB: memoryMB},
		Restart: RestartPolicy{Policy: "always"},
		Env:     env,
		Mounts:  []Mount{{Volume: volumeID, Path: "/data"}},
		Services: []Service{{
			Protocol:     "tcp",
			InternalPort: 3000,
			Ports:        []Port{{Port: 443, Handlers: []string{"tls", "http"}}},
			Autostart:    true,
			Autostop:     false,
			Checks:       []Check{{Type: "tcp", Interval: "15s", Timeout: "5s", GracePeriod: "240s"}},
		}},
	}
}
