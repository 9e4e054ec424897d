// events.go - Channel event names shared by the manager, adapters and channel
package models

// Connection lifecycle and command events (client -> server requests and
// their completion events share the name).
const (
	EventConnectionOpen      = "connection:open"
	EventConnectionClose     = "connection:close"
	EventConnectionConnected = "connection:connected"
	EventExecuteGcode        = "connection:executeGcode"
	EventStartGcode          = "connection:startGcode"
	EventPauseGcode          = "connection:pauseGcode"
	EventResumeGcode         = "connection:resumeGcode"
	EventStopGcode           = "connection:stopGcode"
	EventUploadFile          = "connection:uploadFile"
)

// Telemetry and machine events (server -> client pushes).
const (
	EventMarlinState     = "Marlin:state"
	EventModuleList      = "machine:module-list"
	EventMachineSettings = "machine:settings"
	EventDiscover        = "machine:discover"
	EventSerialDiscover  = "machine:serial-discover"
)

// Device setter events.
const (
	EventSetNozzleTemp     = "connection:updateNozzleTemperature"
	EventSetBedTemp        = "connection:updateBedTemperature"
	EventSetZOffset        = "connection:updateZOffset"
	EventLoadFilament      = "connection:loadFilament"
	EventUnloadFilament    = "connection:unloadFilament"
	EventSetWorkSpeed      = "connection:updateWorkSpeedFactor"
	EventSetLaserPower     = "connection:updateLaserPower"
	EventSetEnclosureLight = "connection:setEnclosureLight"
	EventSetEnclosureFan   = "connection:setEnclosureFan"
	EventSetDoorDetection  = "connection:setDoorDetection"
	EventSetFilterSwitch   = "connection:setFilterSwitch"
	EventSetFilterSpeed    = "connection:setFilterWorkSpeed"
	EventSwitchExtruder    = "connection:switchExtruder"
)
