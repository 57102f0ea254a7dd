// Package protocol implements the control-channel wire format shared by
// every FRAICAP agent and the coordinator: a tagged {type, arg} record
// encoded as YAML and terminated by a single separator byte.
package protocol

import "fmt"

// Type identifies the kind of a Message.
type Type string

const (
	TypeCommand         Type = "COMMAND"
	TypeSysState        Type = "SYS_STATE"
	TypeHwState         Type = "HW_STATE"
	TypeAgentState      Type = "AGENT_STATE"
	TypeNewCapture      Type = "NEW_CAPTURE"
	TypeStartCapture    Type = "START_CAPTURE"
	TypeEndCapture      Type = "END_CAPTURE"
	TypeData            Type = "DATA"
	TypeQuit            Type = "QUIT"
	TypeQueryAgentState Type = "QUERY_AGENT_STATE"
	TypeQueryHwState    Type = "QUERY_HW_STATE"
)

// Separator is the single-byte record terminator. It may never appear
// inside an encoded message's payload.
const Separator byte = 0x1E

// Message is the wire record exchanged between an agent and its proxy.
// Arg is polymorphic: nil, a scalar string, or a nested map — mirroring
// the tagged union the original Python runtime represents with a bare
// dict. Field order in the YAML encoding is type then arg.
type Message struct {
	Type Type `yaml:"type"`
	Arg  any  `yaml:"arg,omitempty"`
}

// AgentStatus is the coarse lifecycle state an agent reports about itself.
type AgentStatus string

const (
	AgentStarting     AgentStatus = "STARTING"
	AgentStandBy      AgentStatus = "STAND_BY"
	AgentCapturing    AgentStatus = "CAPTURING"
	AgentNotResponding AgentStatus = "NOT_RESPONDING"
)

// HwStatus is the health of the device a single agent wraps.
type HwStatus string

const (
	HwNominal      HwStatus = "NOMINAL"
	HwWarning      HwStatus = "WARNING"
	HwError        HwStatus = "ERROR"
	HwNotConnected HwStatus = "NOT_CONNECTED"
)

// SysStatus is the coordinator's aggregate, published to the panel agent.
type SysStatus string

const (
	SysOnline  SysStatus = "SYS_ONLINE"
	SysOffline SysStatus = "SYS_OFFLINE"
	SysError   SysStatus = "SYS_ERROR"
)

// Well-known DATA-carried announcements from the replication agent.
const (
	DataExtDriveInUse    = "EXT_DRIVE_IN_USE"
	DataExtDriveNotInUse = "EXT_DRIVE_NOT_IN_USE"
	DataExtDriveFull     = "EXT_DRIVE_FULL"
)

func NewAgentState(s AgentStatus) Message { return Message{Type: TypeAgentState, Arg: string(s)} }
func NewHwState(s HwStatus) Message       { return Message{Type: TypeHwState, Arg: string(s)} }
func NewSysState(s SysStatus) Message     { return Message{Type: TypeSysState, Arg: string(s)} }
func NewCapture(path string) Message      { return Message{Type: TypeNewCapture, Arg: path} }
func NewData(payload any) Message         { return Message{Type: TypeData, Arg: payload} }
func NewQuit() Message                    { return Message{Type: TypeQuit} }
func NewQueryAgentState() Message         { return Message{Type: TypeQueryAgentState} }
func NewQueryHwState() Message            { return Message{Type: TypeQueryHwState} }
func NewStartCapture() Message            { return Message{Type: TypeStartCapture} }
func NewEndCapture() Message               { return Message{Type: TypeEndCapture} }

// ArgString returns Arg as a string, or ok=false if Arg is not a string.
func (m Message) ArgString() (string, bool) {
	s, ok := m.Arg.(string)
	return s, ok
}

// ArgMap returns Arg as a map[string]any, or ok=false otherwise.
func (m Message) ArgMap() (map[string]any, bool) {
	switch v := m.Arg.(type) {
	case map[string]any:
		return v, true
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func (m Message) String() string {
	return fmt.Sprintf("Message{Type: %s, Arg: %v}", m.Type, m.Arg)
}
