package raceevents

// Event is an immutable type descriptor, not a value: it carries the
// priority, the permission required to observe it, and a stable numeric
// discriminator, but never a payload.
type Event struct {
	Name               string
	Priority           Priority
	RequiredPermission string
	ID                 int
}

// Discriminators are stable across releases; a wire-layer envelope (not
// part of this module) may map them onto protobuf or JSON enums however
// it likes.
const (
	idRaceSchedule = iota + 1
	idRaceStage
	idRaceStart
	idRaceFinish
	idRaceStop
	idRacePause
	idRaceResume
	idHeartbeat
	idPermissionsUpdate
	idStartup
	idShutdown
	idRestart
	idPilotAdd
	idPilotAlter
	idPilotDelete
)

const (
	permRaceControl     = "race.control"
	permEventWebsocket  = "event.websocket"
	permSystemControl   = "system.control"
	permReadPilots      = "pilots.read"
)

// Race-sequence events, all emitted via Trigger at Highest priority so
// they never queue behind lower-priority traffic such as heartbeats.
var (
	RaceSchedule = Event{Name: "RACE_SCHEDULE", Priority: Highest, RequiredPermission: permRaceControl, ID: idRaceSchedule}
	RaceStage    = Event{Name: "RACE_STAGE", Priority: Highest, RequiredPermission: permRaceControl, ID: idRaceStage}
	RaceStart    = Event{Name: "RACE_START", Priority: Highest, RequiredPermission: permRaceControl, ID: idRaceStart}
	RaceFinish   = Event{Name: "RACE_FINISH", Priority: Highest, RequiredPermission: permRaceControl, ID: idRaceFinish}
	RaceStop     = Event{Name: "RACE_STOP", Priority: Highest, RequiredPermission: permRaceControl, ID: idRaceStop}
	RacePause    = Event{Name: "RACE_PAUSE", Priority: Highest, RequiredPermission: permRaceControl, ID: idRacePause}
	RaceResume   = Event{Name: "RACE_RESUME", Priority: Highest, RequiredPermission: permRaceControl, ID: idRaceResume}
)

// Special/system events.
var (
	Heartbeat         = Event{Name: "HEARTBEAT", Priority: Low, RequiredPermission: permEventWebsocket, ID: idHeartbeat}
	PermissionsUpdate = Event{Name: "PERMISSIONS_UPDATE", Priority: High, RequiredPermission: permEventWebsocket, ID: idPermissionsUpdate}
	Startup           = Event{Name: "STARTUP", Priority: Highest, RequiredPermission: permEventWebsocket, ID: idStartup}
	Shutdown          = Event{Name: "SHUTDOWN", Priority: Highest, RequiredPermission: permEventWebsocket, ID: idShutdown}
	Restart           = Event{Name: "RESTART", Priority: Low, RequiredPermission: permSystemControl, ID: idRestart}
)

// Event-setup events (roster changes, etc).
var (
	PilotAdd    = Event{Name: "PILOT_ADD", Priority: Medium, RequiredPermission: permReadPilots, ID: idPilotAdd}
	PilotAlter  = Event{Name: "PILOT_ALTER", Priority: Medium, RequiredPermission: permReadPilots, ID: idPilotAlter}
	PilotDelete = Event{Name: "PILOT_DELETE", Priority: Medium, RequiredPermission: permReadPilots, ID: idPilotDelete}
)

// All lists every known event in a stable registration order, for
// anything that needs to enumerate them.
var All = []Event{
	RaceSchedule, RaceStage, RaceStart, RaceFinish, RaceStop, RacePause, RaceResume,
	Heartbeat, PermissionsUpdate, Startup, Shutdown, Restart,
	PilotAdd, PilotAlter, PilotDelete,
}
