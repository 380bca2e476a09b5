// internal/model/customer.go
package model

// ActionRef points from a customer at a live task that targets them.
type ActionRef struct {
	CustomerID    string     `db:"customer_id" json:"customer_id"`
	JobID         string     `db:"job_id" json:"job"`
	TaskID        string     `db:"task_id" json:"task_id"`
	ZaloAccountID string     `db:"zalo_account_id" json:"zalo_account"`
	ActionType    ActionType `db:"action_type" json:"action_type"`
	Status        TaskStatus `db:"status" json:"status"`
}

type Customer struct {
	ID      string      `db:"id" json:"id"`
	Name    string      `db:"name" json:"name"`
	Phone   string      `db:"phone" json:"phone"`
	UID     string      `db:"uid" json:"uid,omitempty"`
	Actions []ActionRef `db:"-" json:"action"`
}
