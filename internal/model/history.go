// internal/model/history.go
package model

import (
	"encoding/json"
	"strings"
	"time"
)

type HistoryAction string

const (
	CreateScheduleSendMessage HistoryAction = "CREATE_SCHEDULE_SEND_MESSAGE"
	CreateScheduleAddFriend   HistoryAction = "CREATE_SCHEDULE_ADD_FRIEND"
	CreateScheduleFindUID     HistoryAction = "CREATE_SCHEDULE_FIND_UID"
	DeleteScheduleSendMessage HistoryAction = "DELETE_SCHEDULE_SEND_MESSAGE"
	DeleteScheduleAddFriend   HistoryAction = "DELETE_SCHEDULE_ADD_FRIEND"
	DeleteScheduleFindUID     HistoryAction = "DELETE_SCHEDULE_FIND_UID"
	DoScheduleSendMessage     HistoryAction = "DO_SCHEDULE_SEND_MESSAGE"
	DoScheduleAddFriend       HistoryAction = "DO_SCHEDULE_ADD_FRIEND"
	DoScheduleFindUID         HistoryAction = "DO_SCHEDULE_FIND_UID"
	UpdateZaloAccountLimits   HistoryAction = "UPDATE_ZALO_ACCOUNT_LIMITS"
)

const DoActionPrefix = "DO_"

// IsExecution reports whether the entry records a task execution.
func (a HistoryAction) IsExecution() bool {
	return strings.HasPrefix(string(a), DoActionPrefix)
}

type HistoryPhase int

const (
	PhaseCreate HistoryPhase = iota
	PhaseDelete
	PhaseDo
)

var historyActions = map[ActionType][3]HistoryAction{
	ActionSendMessage: {CreateScheduleSendMessage, DeleteScheduleSendMessage, DoScheduleSendMessage},
	ActionAddFriend:   {CreateScheduleAddFriend, DeleteScheduleAddFriend, DoScheduleAddFriend},
	ActionFindUID:     {CreateScheduleFindUID, DeleteScheduleFindUID, DoScheduleFindUID},
}

// HistoryActionFor maps a job action type and lifecycle phase to its audit kind.
func HistoryActionFor(a ActionType, phase HistoryPhase) HistoryAction {
	kinds, ok := historyActions[a]
	if !ok {
		return HistoryAction("UNKNOWN_" + string(a))
	}
	return kinds[phase]
}

type HistoryStatus string

const (
	HistorySuccess HistoryStatus = "SUCCESS"
	HistoryFailed  HistoryStatus = "FAILED"
)

type HistoryEntry struct {
	ID            string          `db:"id" json:"id"`
	Action        HistoryAction   `db:"action" json:"action"`
	ActorID       string          `db:"actor_id" json:"user"`
	CustomerID    string          `db:"customer_id" json:"customer,omitempty"`
	ZaloAccountID string          `db:"zalo_account_id" json:"zalo,omitempty"`
	Status        HistoryStatus   `db:"status" json:"status"`
	StatusDetail  json.RawMessage `db:"status_detail" json:"status_detail,omitempty"`
	ActionDetail  map[string]any  `db:"action_detail" json:"action_detail"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// ScheduleID reads the schedule id carried in ActionDetail.
func (h *HistoryEntry) ScheduleID() string {
	if h.ActionDetail == nil {
		return ""
	}
	id, _ := h.ActionDetail["scheduleId"].(string)
	return id
}
