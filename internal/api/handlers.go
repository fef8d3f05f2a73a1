package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	xerrors "HiveMind-Copilot/internal/errors"
	"HiveMind-Copilot/internal/health"
	"HiveMind-Copilot/internal/pipeline"
	"HiveMind-Copilot/internal/task"
)

const maxBodyBytes = 1 << 20

// requestBody 是 POST /api/v1/requests 的请求体。
type requestBody struct {
	Kind    string         `json:"kind"`
	Payload string         `json:"payload"`
	Options map[string]any `json:"options"`
}

// payloadFields 是便捷接口中可以承载 payload 的字段，按优先级排列。
var payloadFields = []string{"payload", "code", "prompt", "message", "query"}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var body requestBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	s.execute(w, r, body.Kind, body.Payload, body.Options)
}

// handleKind 兼容按类别划分的接口：payload 取自约定字段，其余字段作为选项。
func (s *Server) handleKind(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := decodeBody(w, r, &fields); err != nil {
		writeError(w, err)
		return
	}
	payload, options := splitPayload(fields)
	s.execute(w, r, chi.URLParam(r, "kind"), payload, options)
}

func splitPayload(fields map[string]any) (string, map[string]any) {
	options := make(map[string]any, len(fields))
	for k, v := range fields {
		options[k] = v
	}
	var payload string
	for _, name := range payloadFields {
		v, ok := options[name]
		if !ok {
			continue
		}
		delete(options, name)
		if str, isStr := v.(string); isStr && payload == "" {
			payload = str
		}
	}
	return payload, options
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, kind, payload string, options map[string]any) {
	if s.engine == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "编排引擎未初始化"))
		return
	}
	req, err := pipeline.NewRequest(kind, payload, options)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.engine.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	var body task.SubmitRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.tasks.Submit(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	item, err := s.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// collaborationBody 是 POST /api/v1/collaborations 的请求体。
type collaborationBody struct {
	Counterparty    string `json:"counterparty"`
	Kind            string `json:"kind"`
	Code            string `json:"code"`
	Language        string `json:"language"`
	ContractAddress string `json:"contract_address"`
}

// handleOpenCollaboration 向对端代理发起独立的协作会话，结果通过 GET 轮询获取。
func (s *Server) handleOpenCollaboration(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "协作功能未启用"))
		return
	}
	var body collaborationBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Code) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "code 不能为空"))
		return
	}
	counterparty := strings.TrimSpace(body.Counterparty)
	if counterparty == "" {
		counterparty = s.counterparty
	}
	if body.Kind == "" {
		body.Kind = string(pipeline.KindAudit)
	}
	if body.Language == "" {
		body.Language = "solidity"
	}
	payload, err := json.Marshal(map[string]string{
		"kind":             body.Kind,
		"code":             body.Code,
		"language":         body.Language,
		"contract_address": body.ContractAddress,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.sessions.Open(r.Context(), counterparty, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.sessions.Poll(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleCollaboration(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "协作功能未启用"))
		return
	}
	res, err := s.sessions.Poll(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "providers": map[string]bool{}})
		return
	}
	report := s.checker.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnavailable {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// listOptionsFromQuery 将查询参数转换为任务列表过滤条件。
func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption

	intParam := func(name string) (int, bool, error) {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			return 0, false, nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, false, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数 %s 必须是非负整数", name))
		}
		return v, true, nil
	}
	timeParam := func(name string) (time.Time, bool, error) {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			return time.Time{}, false, nil
		}
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.Unix(secs, 0), true, nil
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, false, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数 %s 必须是 Unix 秒或 RFC3339 时间", name))
		}
		return ts, true, nil
	}

	if v, ok, err := intParam("limit"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, task.WithLimit(v))
	}
	if v, ok, err := intParam("offset"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, task.WithOffset(v))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			st := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(st) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的任务状态 %q", part))
			}
			statuses = append(statuses, st)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := q.Get("kind"); raw != "" {
		opts = append(opts, task.WithKinds(strings.Split(raw, ",")...))
	}
	if ts, ok, err := timeParam("since"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, task.WithUpdatedSince(ts))
	}
	if ts, ok, err := timeParam("until"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, task.WithUpdatedUntil(ts))
	}
	if raw := q.Get("has_result"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "参数 has_result 必须是布尔值")
		}
		opts = append(opts, task.WithResultPresence(v))
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "参数 order 只能是 asc 或 desc")
	}
	if raw := strings.TrimSpace(q.Get("q")); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	return opts, nil
}
