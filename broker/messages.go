package broker

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Task names carried in the message type field of plugin-queue messages.
const (
	TaskCompute = "compute"
	TaskInfo    = "info"
)

// Control methods broadcast to every worker.
const (
	ControlPing   = "ping"
	ControlRevoke = "revoke"
)

// ComputeTask is the payload of one compute dispatch. Aoi holds the
// GeoJSON feature bytes and Params the raw parameter object; the worker
// parses both, so a malformed request fails on the worker with a proper
// store update instead of poisoning the sender.
type ComputeTask struct {
	CorrelationUUID uuid.UUID       `json:"correlation_uuid"`
	PluginKey       string          `json:"plugin_key"`
	Aoi             json.RawMessage `json:"aoi"`
	Params          json.RawMessage `json:"params"`
}

// ControlMessage rides the control fan-out: pings asking workers to report
// themselves and revokes naming a task to abort.
type ControlMessage struct {
	Method  string `json:"method"`
	TaskID  string `json:"task_id,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// RegistryReply is one worker's answer to a ping. Hostname follows the
// `<plugin_id>@<host>` convention so plugin ids can be read off replies.
type RegistryReply struct {
	Hostname       string   `json:"hostname"`
	Capabilities   []string `json:"capabilities"`
	PluginVersion  string   `json:"plugin_version"`
	LibraryVersion string   `json:"library_version"`
}

// PluginID returns the plugin id segment of the hostname.
func (r RegistryReply) PluginID() string {
	for i, c := range r.Hostname {
		if c == '@' {
			return r.Hostname[:i]
		}
	}
	return r.Hostname
}

// CapabilityCompute tags workers that serve compute tasks.
const CapabilityCompute = "compute"

// HasCapability reports whether the worker advertises the capability.
func (r RegistryReply) HasCapability(capability string) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
