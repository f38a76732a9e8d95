// Package marc implements the MArC control protocol spoken between
// measurement points and the MArCd coordinator: relay discovery, the
// initialization handshake, filter distribution, status reporting and
// keep-alive, including the translations needed for pre-0.7 peers.
//
// A Client or Server is owned by one goroutine at a time.
package marc

import "strconv"

// Event is the type tag that starts every message.
type Event uint32

// Legacy codes are only seen on the wire when talking to pre-0.7 peers.
// The same number means different things depending on the sender.
const (
	LegacyInit         Event = 1
	LegacyAuth         Event = 1
	LegacyStatus       Event = 2
	LegacyFilterReload Event = 2
	LegacyFilterAdd    Event = 3
	LegacyFilterUpdate Event = 4
	LegacyFilterDel    Event = 5
	LegacyVerify       Event = 6
	LegacyVerifyAll    Event = 7
	LegacyShutdown     Event = 8
	LegacyFlushAll     Event = 9
	LegacyFlush        Event = 10
)

const (
	// client to server
	Status        Event = 64
	Status2       Event = 65
	FilterRequest Event = 66

	// server to client
	Filter          Event = 67
	FilterReload    Event = 68
	FilterDel       Event = 69
	FilterVerify    Event = 70
	FilterVerifyAll Event = 71
	FilterInvalidID Event = 72

	// extended reports
	Status3 Event = 73
	DStat   Event = 74

	ControlInit Event = 1

	ControlAuthorize        Event = 128
	ControlAuthorizeRequest Event = 129
	ControlTerminate        Event = 130
	ControlFlush            Event = 131
	ControlFlushAll         Event = 132

	ControlDistress Event = 256
	ControlStop     Event = 257
	ControlStart    Event = 258
	ControlPing     Event = 259
)

var eventNames = map[Event]string{
	ControlInit:             "init",
	LegacyStatus:            "legacy-status",
	LegacyFilterAdd:         "legacy-filter-add",
	LegacyFilterUpdate:      "legacy-filter-update",
	LegacyFilterDel:         "legacy-filter-del",
	LegacyVerify:            "legacy-verify",
	LegacyVerifyAll:         "legacy-verify-all",
	LegacyShutdown:          "legacy-shutdown",
	LegacyFlushAll:          "legacy-flush-all",
	LegacyFlush:             "legacy-flush",
	Status:                  "status",
	Status2:                 "status2",
	FilterRequest:           "filter-request",
	Filter:                  "filter",
	FilterReload:            "filter-reload",
	FilterDel:               "filter-del",
	FilterVerify:            "filter-verify",
	FilterVerifyAll:         "filter-verify-all",
	FilterInvalidID:         "filter-invalid-id",
	Status3:                 "status3",
	DStat:                   "dstat",
	ControlAuthorize:        "authorize",
	ControlAuthorizeRequest: "authorize-request",
	ControlTerminate:        "terminate",
	ControlFlush:            "flush",
	ControlFlushAll:         "flush-all",
	ControlDistress:         "distress",
	ControlStop:             "stop",
	ControlStart:            "start",
	ControlPing:             "ping",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "event(" + strconv.FormatUint(uint64(e), 10) + ")"
}

// Legacy codes by sender. A pre-0.7 peer reuses the numbers 1 to 10 in
// both directions, so the sending role selects the meaning.
var legacyCodes = map[Role]map[Event]Event{
	RoleClient: {
		ControlInit:   LegacyInit,
		Status:        LegacyStatus,
		FilterRequest: LegacyFilterAdd,
	},
	RoleServer: {
		ControlAuthorize: LegacyAuth,
		FilterReload:     LegacyFilterReload,
		Filter:           LegacyFilterAdd,
		FilterDel:        LegacyFilterDel,
		FilterVerify:     LegacyVerify,
		FilterVerifyAll:  LegacyVerifyAll,
		ControlTerminate: LegacyShutdown,
		ControlFlushAll:  LegacyFlushAll,
		ControlFlush:     LegacyFlush,
	},
}

// currentCodes maps legacy codes back, keyed by the sending role.
var currentCodes = map[Role]map[Event]Event{
	RoleClient: {
		LegacyInit:      ControlInit,
		LegacyStatus:    Status,
		LegacyFilterAdd: FilterRequest,
	},
	RoleServer: {
		LegacyAuth:         ControlAuthorize,
		LegacyFilterReload: FilterReload,
		LegacyFilterAdd:    Filter,
		LegacyFilterUpdate: Filter,
		LegacyFilterDel:    FilterDel,
		LegacyVerify:       FilterVerify,
		LegacyVerifyAll:    FilterVerifyAll,
		LegacyShutdown:     ControlTerminate,
		LegacyFlushAll:     ControlFlushAll,
		LegacyFlush:        ControlFlush,
	},
}

// LegacyCompat maps an event sent by sender onto the code a pre-0.7 peer
// expects. Events without a legacy equivalent are returned unchanged.
func LegacyCompat(sender Role, e Event) Event {
	if legacy, ok := legacyCodes[sender][e]; ok {
		return legacy
	}
	return e
}

// FromLegacy maps a code sent by a pre-0.7 sender onto the current event.
// Codes without a current equivalent are returned unchanged.
func FromLegacy(sender Role, e Event) Event {
	if current, ok := currentCodes[sender][e]; ok {
		return current
	}
	return e
}
