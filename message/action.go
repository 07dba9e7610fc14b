// Package message defines the command envelope exchanged by federates, cores
// and brokers, its wire codec, and the user-level Message delivered to
// endpoints.
package message

import (
	"fmt"
	"strconv"
)

// InfoBasis separates actions that carry an Info block from those that do
// not. Any action with |code| >= InfoBasis carries one.
const InfoBasis int32 = 0x1000_0000

// Action is a command code. Negative codes are priority commands.
type Action int32

// Priority actions.
const (
	ActionPriorityDisconnect Action = -3
	ActionRegRoute           Action = -15
	ActionRouteAck           Action = -16
	ActionFedAck             Action = -25
	ActionBrokerAck          Action = -27
	ActionAddRoute           Action = -32
	ActionRegFed             Action = -105
	ActionPriorityAck        Action = -254
	ActionQuery              Action = Action(-InfoBasis - 37)
	ActionQueryReply         Action = Action(-InfoBasis - 38)
	ActionRegBroker          Action = Action(-InfoBasis - 40)
	ActionBrokerQuery        Action = Action(-InfoBasis - 41)
)

// Regular actions without an Info block.
const (
	ActionIgnore               Action = 0
	ActionTick                 Action = 1
	ActionPing                 Action = 5
	ActionPingReply            Action = 6
	ActionDisconnect           Action = 3
	ActionInit                 Action = 10
	ActionInitGrant            Action = 11
	ActionInitNotReady         Action = 12
	ActionExecRequest          Action = 20
	ActionExecGrant            Action = 22
	ActionExecCheck            Action = 24
	ActionStop                 Action = 30
	ActionTerminateImmediately Action = 31
	ActionTimeGrant            Action = 35
	ActionTimeCheck            Action = 36
	ActionPub                  Action = 45
	ActionLog                  Action = 55
	ActionAddSubscriber        Action = 85
	ActionAddDependency        Action = 95
	ActionRemoveDependency     Action = 97
	ActionAddDependent         Action = 98
	ActionRemoveDependent      Action = 99
	ActionFedConfig            Action = 110
	ActionAck                  Action = 254
	ActionBye                  Action = 2000
	ActionWarning              Action = 9990
	ActionError                Action = 10000
)

// Regular actions carrying an Info block.
const (
	ActionTimeRequest         Action = Action(InfoBasis + 10)
	ActionSendMessage         Action = Action(InfoBasis + 20)
	ActionSendForFilter       Action = Action(InfoBasis + 30)
	ActionSendForFilterReturn Action = Action(InfoBasis + 32)
	ActionNullMessage         Action = Action(InfoBasis + 40)
	ActionRegPub              Action = Action(InfoBasis + 50)
	ActionNotifyPub           Action = Action(InfoBasis + 52)
	ActionRegDstFilter        Action = Action(InfoBasis + 60)
	ActionNotifyDstFilter     Action = Action(InfoBasis + 62)
	ActionRegSub              Action = Action(InfoBasis + 70)
	ActionNotifySub           Action = Action(InfoBasis + 72)
	ActionRegSrcFilter        Action = Action(InfoBasis + 80)
	ActionNotifySrcFilter     Action = Action(InfoBasis + 82)
	ActionRegEnd              Action = Action(InfoBasis + 90)
	ActionNotifyEnd           Action = Action(InfoBasis + 92)
)

var actionNames = map[Action]string{
	ActionPriorityDisconnect:   "priority_disconnect",
	ActionRegRoute:             "reg_route",
	ActionRouteAck:             "route_ack",
	ActionFedAck:               "fed_ack",
	ActionBrokerAck:            "broker_ack",
	ActionAddRoute:             "add_route",
	ActionRegFed:               "reg_fed",
	ActionPriorityAck:          "priority_ack",
	ActionQuery:                "query",
	ActionQueryReply:           "query_reply",
	ActionRegBroker:            "reg_broker",
	ActionBrokerQuery:          "broker_query",
	ActionIgnore:               "ignore",
	ActionTick:                 "tick",
	ActionPing:                 "ping",
	ActionPingReply:            "ping_reply",
	ActionDisconnect:           "disconnect",
	ActionInit:                 "init",
	ActionInitGrant:            "init_grant",
	ActionInitNotReady:         "init_not_ready",
	ActionExecRequest:          "exec_request",
	ActionExecGrant:            "exec_grant",
	ActionExecCheck:            "exec_check",
	ActionStop:                 "stop",
	ActionTerminateImmediately: "terminate_immediately",
	ActionTimeGrant:            "time_grant",
	ActionTimeCheck:            "time_check",
	ActionPub:                  "pub",
	ActionLog:                  "log",
	ActionAddSubscriber:        "add_subscriber",
	ActionAddDependency:        "add_dependency",
	ActionRemoveDependency:     "remove_dependency",
	ActionAddDependent:         "add_dependent",
	ActionRemoveDependent:      "remove_dependent",
	ActionFedConfig:            "fed_config",
	ActionAck:                  "ack",
	ActionBye:                  "bye",
	ActionWarning:              "warning",
	ActionError:                "error",
	ActionTimeRequest:          "time_request",
	ActionSendMessage:          "send_message",
	ActionSendForFilter:        "send_for_filter",
	ActionSendForFilterReturn:  "send_for_filter_return",
	ActionNullMessage:          "null_message",
	ActionRegPub:               "reg_pub",
	ActionNotifyPub:            "notify_pub",
	ActionRegDstFilter:         "reg_dst_filter",
	ActionNotifyDstFilter:      "notify_dst_filter",
	ActionRegSub:               "reg_sub",
	ActionNotifySub:            "notify_sub",
	ActionRegSrcFilter:         "reg_src_filter",
	ActionNotifySrcFilter:      "notify_src_filter",
	ActionRegEnd:               "reg_end",
	ActionNotifyEnd:            "notify_end",
}

var actionsByName map[string]Action

func init() {
	actionsByName = make(map[string]Action, len(actionNames))
	for a, name := range actionNames {
		actionsByName[name] = a
	}
}

// AllActions returns every known action code.
func AllActions() []Action {
	actions := make([]Action, 0, len(actionNames))
	for a := range actionNames {
		actions = append(actions, a)
	}

	return actions
}

// String returns the name of the action, or its code if unknown.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}

	return "action(" + strconv.Itoa(int(a)) + ")"
}

// ParseAction converts a name produced by String back into an action.
func ParseAction(s string) (Action, error) {
	if a, ok := actionsByName[s]; ok {
		return a, nil
	}

	var code int

	if _, err := fmt.Sscanf(s, "action(%d)", &code); err == nil {
		return Action(code), nil
	}

	return ActionIgnore, fmt.Errorf("unknown action %q", s)
}

// IsValid tells if the action is a known code.
func (a Action) IsValid() bool {
	_, ok := actionNames[a]
	return ok
}

// IsPriority tells if the action jumps the regular queue.
func (a Action) IsPriority() bool {
	return a < 0
}

// HasInfo tells if messages with this action carry an Info block.
func (a Action) HasInfo() bool {
	return int32(a) >= InfoBasis || int32(a) <= -InfoBasis
}

// IsTimingCommand tells if the action takes part in time or exec negotiation.
func (a Action) IsTimingCommand() bool {
	switch a {
	case ActionTimeRequest, ActionTimeGrant, ActionTimeCheck,
		ActionExecRequest, ActionExecGrant, ActionExecCheck,
		ActionDisconnect, ActionPriorityDisconnect:
		return true
	}

	return false
}

// IsDisconnectCommand tells if the action ends the life of its source.
func (a Action) IsDisconnectCommand() bool {
	switch a {
	case ActionDisconnect, ActionPriorityDisconnect, ActionBye,
		ActionTerminateImmediately:
		return true
	}

	return false
}

// IsRegistration tells if the action registers an interface.
func (a Action) IsRegistration() bool {
	switch a {
	case ActionRegPub, ActionRegSub, ActionRegEnd, ActionRegSrcFilter,
		ActionRegDstFilter:
		return true
	}

	return false
}
