// state.go - Telemetry and module snapshot types reported by devices
package models

// WorkflowStatus is the device-reported job state.
type WorkflowStatus string

const (
	WorkflowIdle    WorkflowStatus = "IDLE"
	WorkflowRunning WorkflowStatus = "RUNNING"
	WorkflowPaused  WorkflowStatus = "PAUSED"
)

// MachineState is one telemetry sample: position, temperatures and
// workflow/progress fields derived from a status poll.
type MachineState struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`

	NozzleTemperature       float64 `json:"nozzleTemperature"`
	NozzleTargetTemperature float64 `json:"nozzleTargetTemperature"`
	HeatedBedTemperature    float64 `json:"heatedBedTemperature"`
	HeatedBedTargetTemp     float64 `json:"heatedBedTargetTemperature"`

	WorkflowStatus WorkflowStatus `json:"workflowStatus"`

	FileName             string  `json:"fileName,omitempty"`
	Progress             float64 `json:"progress"`
	CurrentLine          int     `json:"currentLine"`
	TotalLines           int     `json:"totalLines"`
	ElapsedTimeSeconds   int     `json:"elapsedTime"`
	RemainingTimeSeconds int     `json:"remainingTime"`

	IsEnclosureDoorOpen bool `json:"isEnclosureDoorOpen"`
	AirPurifier         bool `json:"airPurifier"`
}

// ModuleListSnapshot is the last-known set of attached hardware modules.
// Snapshots are compared by value so duplicate polls do not renotify.
type ModuleListSnapshot struct {
	HasHeatedBed     bool `json:"heatedBed"`
	HasEnclosure     bool `json:"enclosure"`
	HasAirPurifier   bool `json:"airPurifier"`
	HasEmergencyStop bool `json:"emergencyStop"`
	HasRotaryModule  bool `json:"rotaryModule"`
}

// Equal reports whether two snapshots describe the same module set.
func (s ModuleListSnapshot) Equal(o ModuleListSnapshot) bool {
	return s == o
}

// EnclosureStatus is the periodically polled enclosure/auxiliary state.
type EnclosureStatus struct {
	LightIntensity int  `json:"led"`
	FanStrength    int  `json:"fan"`
	DoorDetection  bool `json:"isDoorEnabled"`
	DoorOpen       bool `json:"isDoorOpen"`
}
