package registry

import (
	"encoding/json"
	"strconv"
	"strings"

	"agentsched/internal/task"
)

// taskRow is the column projection shared by the SQL backends. The full
// record lives in data; the other columns exist for filtering and ordering.
type taskRow struct {
	ID           string
	Status       string
	ScheduleType string
	Priority     int
	ScheduledAt  int64 // unix ms, 0 when unset
	CreatedAt    int64 // unix ns
	AgentID      string
	Data         string
}

func encodeRow(t task.Task) (taskRow, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return taskRow{}, err
	}
	r := taskRow{
		ID:           t.ID,
		Status:       string(t.Status),
		ScheduleType: string(t.ScheduleType),
		Priority:     t.Priority,
		CreatedAt:    t.CreatedAt.UnixNano(),
		AgentID:      t.AgentID(),
		Data:         string(b),
	}
	if !t.ScheduledTime.IsZero() {
		r.ScheduledAt = t.ScheduledTime.UnixMilli()
	}
	return r, nil
}

func decodeData(data string) (task.Task, error) {
	var t task.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

// whereBuilder renders the pushed-down part of a Filter. ph returns the
// placeholder for the n-th (1-based) argument.
type whereBuilder struct {
	ph    func(n int) string
	conds []string
	args  []any
}

func (w *whereBuilder) arg(v any) string {
	w.args = append(w.args, v)
	return w.ph(len(w.args))
}

func (w *whereBuilder) in(col string, vals []string) {
	if len(vals) == 0 {
		return
	}
	ps := make([]string, 0, len(vals))
	for _, v := range vals {
		ps = append(ps, w.arg(v))
	}
	w.conds = append(w.conds, col+" IN ("+strings.Join(ps, ",")+")")
}

func (w *whereBuilder) eq(col string, v string) {
	if v == "" {
		return
	}
	w.conds = append(w.conds, col+" = "+w.arg(v))
}

func (w *whereBuilder) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// filterWhere pushes status, id, schedule type and agent down to SQL. Query
// and Limit stay with Registry.
func filterWhere(f task.Filter, ph func(int) string) *whereBuilder {
	w := &whereBuilder{ph: ph}
	statuses := make([]string, 0, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}
	w.in("status", statuses)
	w.in("id", f.IDs)
	w.eq("schedule_type", string(f.ScheduleType))
	w.eq("agent_id", f.AgentID)
	return w
}

func questionPH(int) string { return "?" }

func dollarPH(n int) string { return "$" + strconv.Itoa(n) }
