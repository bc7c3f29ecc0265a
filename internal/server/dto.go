package server

import (
	"strconv"

	"quiche/internal/domain"
)

// Request payloads

type SetValueRequest struct {
	Value any `json:"value" doc:"New value for the input task"`
}

// Response payloads

type ResultResponse struct {
	Name    string `json:"name" example:"times_two"`
	Version uint64 `json:"version" example:"1712345678901234"`
	Value   any    `json:"value"`
	Cached  bool   `json:"cached"`
}

type TaskResponse struct {
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on"`
	Kind      string   `json:"kind" enum:"compute,input,gather"`
	Placement string   `json:"placement" enum:"both,ephemeral,volatile"`
}

type StatusResponse struct {
	Name  string              `json:"name"`
	Tasks []domain.TaskStatus `json:"tasks"`
	Stale int                 `json:"stale"`
}

type ExplainResponse struct {
	Name        string   `json:"name"`
	Canonical   string   `json:"canonical"`
	AliasChain  []string `json:"alias_chain"`
	Report      string   `json:"report"`
	PlanOrder   []string `json:"plan_order,omitempty"`
	PlanFailure string   `json:"plan_failure,omitempty"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	Task    string         `json:"task"`
	Version uint64         `json:"version,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func resultResponse(r domain.Result) ResultResponse {
	return ResultResponse{Name: r.Name, Version: r.Version, Value: r.Value, Cached: r.Cached}
}

func taskResponse(t domain.TaskInfo) TaskResponse {
	deps := t.DependsOn
	if deps == nil {
		deps = []string{}
	}
	return TaskResponse{Name: t.Name, DependsOn: deps, Kind: t.Kind, Placement: t.Placement}
}

func mapTasks(items []domain.TaskInfo) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		Task:    e.Task,
		Version: e.Version,
		RunID:   e.RunID,
		Payload: e.Payload,
	}
}

func cursorString(id int64) string {
	return strconv.FormatInt(id, 10)
}
