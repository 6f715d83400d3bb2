package types

// ------------------------
// Common HAL state (retained)
// ------------------------

type HALState struct {
	Level     string `json:"level" yaml:"level"`   // "idle", "ready", "stopped"
	Status    string `json:"status" yaml:"status"` // freeform short code
	Resources int    `json:"resources" yaml:"resources"`
	TS        int64  `json:"ts_ns" yaml:"ts_ns"` // publish Unix ns
}

// ResourceState is the retained lifecycle state of one worker.
type ResourceState struct {
	Name  string `json:"name" yaml:"name"`
	State string `json:"state" yaml:"state"` // "unprovisioned", "provisioned", "stopped"
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
	TS    int64  `json:"ts_ns" yaml:"ts_ns"`
}

// ------------------------
// Info envelope (retained)
// ------------------------

type ResourceInfo struct {
	SchemaVersion int    `json:"schema_version" yaml:"schema_version"`
	Name          string `json:"name" yaml:"name"`
	Kind          string `json:"kind" yaml:"kind"`
	Pin           int    `json:"pin,omitempty" yaml:"pin,omitempty"`
	Bus           string `json:"bus,omitempty" yaml:"bus,omitempty"`
	BusNum        int    `json:"bus_num,omitempty" yaml:"bus_num,omitempty"`
	Address       uint16 `json:"address,omitempty" yaml:"address,omitempty"`
	Protocol      string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Command       string `json:"command,omitempty" yaml:"command,omitempty"`
	Response      string `json:"response,omitempty" yaml:"response,omitempty"`
}

// InfoOf builds the info envelope for a descriptor.
func InfoOf(r Resource) ResourceInfo {
	info := ResourceInfo{SchemaVersion: 1, Name: r.Name(), Kind: r.Kind().String()}
	if r.Kind() == KindBusDevice {
		info.Bus = r.BusType().String()
		info.BusNum = r.BusNumber()
		info.Address = r.Address()
		info.Protocol = r.Protocol()
		return info
	}
	info.Pin = r.Pin()
	return info
}

// ------------------------
// Generic replies
// ------------------------

// Reply answers a request on hal/res/<name>/cmd.
type Reply struct {
	OK    bool   `json:"ok" yaml:"ok"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}
