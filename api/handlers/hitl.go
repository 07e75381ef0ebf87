package handlers

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/insightflow/hitl"
	"github.com/BaSui01/insightflow/types"
)

// =============================================================================
// 🙋 人工干预 Handler
// =============================================================================

// HITLHandler 干预请求的 REST 入口
type HITLHandler struct {
	coordinator *hitl.Coordinator
	history     hitl.HistoryStore
	prefs       hitl.PreferenceStore
	logger      *zap.Logger
}

// NewHITLHandler 创建干预处理器
func NewHITLHandler(coordinator *hitl.Coordinator, history hitl.HistoryStore, prefs hitl.PreferenceStore, logger *zap.Logger) *HITLHandler {
	return &HITLHandler{
		coordinator: coordinator,
		history:     history,
		prefs:       prefs,
		logger:      logger,
	}
}

// respondRequest POST /api/v1/hitl/requests/{id}/respond 请求体
type respondRequest struct {
	Action      string         `json:"action"`
	ModifiedSQL string         `json:"modified_sql,omitempty"`
	Feedback    string         `json:"feedback,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// HandleRespond 处理干预响应提交。
// 并发提交只有一个赢家；迟到 / 重复提交返回 ALREADY_RESOLVED (409)。
func (h *HITLHandler) HandleRespond(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	if requestID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "request id is required", h.logger)
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var body respondRequest
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}

	resp := &hitl.Response{
		RequestID:   requestID,
		Action:      hitl.Action(body.Action),
		ModifiedSQL: body.ModifiedSQL,
		Feedback:    body.Feedback,
		Payload:     body.Payload,
	}
	if userID, ok := types.UserID(r.Context()); ok {
		resp.UserID = userID
	}

	resolution, err := h.coordinator.Submit(r.Context(), requestID, resp)
	if err != nil {
		WriteError(w, AsAPIError(err), h.logger)
		return
	}
	WriteSuccess(w, resolution)
}

// HandlePending 返回某工作流当前的 pending 干预请求。
// 无 pending 时 data 为 null（200），客户端重连后据此恢复状态。
func (h *HITLHandler) HandlePending(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if workflowID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "workflow id is required", h.logger)
		return
	}
	req, err := h.coordinator.GetPending(r.Context(), workflowID)
	if err != nil {
		WriteError(w, AsAPIError(err), h.logger)
		return
	}
	WriteSuccess(w, req)
}

// HandleHistory 查询干预历史。
// 过滤参数：workflow_id / type / status / from / to (RFC3339) / q / limit / offset
func (h *HITLHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := hitl.HistoryFilter{
		WorkflowID: q.Get("workflow_id"),
		Type:       hitl.InterventionType(q.Get("type")),
		Status:     hitl.Status(q.Get("status")),
		Search:     q.Get("q"),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "unknown intervention type", h.logger)
		return
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid 'from' timestamp", h.logger)
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid 'to' timestamp", h.logger)
			return
		}
		filter.To = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid 'limit'", h.logger)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid 'offset'", h.logger)
			return
		}
		filter.Offset = n
	}

	records, err := h.history.List(r.Context(), filter)
	if err != nil {
		WriteError(w, AsAPIError(err), h.logger)
		return
	}
	if records == nil {
		records = []*hitl.HistoryRecord{}
	}
	WriteSuccess(w, records)
}

// HandleGetPreferences 返回当前用户的干预偏好。
func (h *HITLHandler) HandleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := types.UserID(r.Context())
	if !ok {
		WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "authentication required", h.logger)
		return
	}
	prefs, err := h.prefs.Get(r.Context(), userID)
	if err != nil {
		WriteError(w, AsAPIError(err), h.logger)
		return
	}
	WriteSuccess(w, prefs)
}

// HandlePutPreferences 全量覆盖当前用户的干预偏好。
func (h *HITLHandler) HandlePutPreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := types.UserID(r.Context())
	if !ok {
		WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "authentication required", h.logger)
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var prefs hitl.Preferences
	if err := DecodeJSONBody(w, r, &prefs, h.logger); err != nil {
		return
	}
	for _, t := range prefs.MutedTypes {
		if !t.Valid() {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "unknown intervention type in muted_types", h.logger)
			return
		}
	}
	if err := h.prefs.Put(r.Context(), userID, &prefs); err != nil {
		WriteError(w, AsAPIError(err), h.logger)
		return
	}
	WriteSuccess(w, &prefs)
}
