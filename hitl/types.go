package hitl

import (
	"time"

	"github.com/google/uuid"
)

// InterventionType 干预类型（封闭集合，新增类型需同步 fallback 策略表）
type InterventionType string

const (
	TypeSQLReview        InterventionType = "sql_review"        // SQL 执行前审查
	TypeDataModification InterventionType = "data_modification" // 写操作确认
	TypeHighCostQuery    InterventionType = "high_cost_query"   // 高成本查询确认
	TypeSchemaChange     InterventionType = "schema_change"     // DDL 确认
	TypeExportApproval   InterventionType = "export_approval"   // 数据导出审批
	TypeCustom           InterventionType = "custom"            // 工作流自定义
)

// Valid 报告干预类型是否属于已知集合。
func (t InterventionType) Valid() bool {
	switch t {
	case TypeSQLReview, TypeDataModification, TypeHighCostQuery,
		TypeSchemaChange, TypeExportApproval, TypeCustom:
		return true
	}
	return false
}

// Status 干预请求状态
//
// 状态机：pending 是唯一的非终态；approved / rejected / modified /
// timeout / cancelled 均为终态，到达终态后不允许任何转换。
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusModified  Status = "modified"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal 报告状态是否为终态。
func (s Status) Terminal() bool {
	return s != StatusPending && s != ""
}

// Action 用户提交的响应动作
type Action string

const (
	ActionApprove Action = "approve"
	ActionModify  Action = "modify"
	ActionReject  Action = "reject"
	ActionAbort   Action = "abort"
)

// Valid 报告动作是否属于已知集合。
func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionModify, ActionReject, ActionAbort:
		return true
	}
	return false
}

// StatusForAction 返回动作对应的终态。
// abort 与 reject 一样落在 rejected，区别只在工作流续行语义上。
func StatusForAction(a Action) Status {
	switch a {
	case ActionModify:
		return StatusModified
	case ActionReject, ActionAbort:
		return StatusRejected
	default:
		return StatusApproved
	}
}

// Choice 呈现给用户的一个可选动作。
type Choice struct {
	Action      Action `json:"action"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Emphasis    string `json:"emphasis,omitempty"` // primary / danger / default
}

// DefaultChoices 返回某干预类型的默认选项集。
func DefaultChoices(t InterventionType) []Choice {
	switch t {
	case TypeSQLReview:
		return []Choice{
			{Action: ActionApprove, Label: "Execute", Emphasis: "primary"},
			{Action: ActionModify, Label: "Edit SQL"},
			{Action: ActionReject, Label: "Cancel", Emphasis: "danger"},
		}
	case TypeHighCostQuery:
		return []Choice{
			{Action: ActionApprove, Label: "Run anyway", Emphasis: "primary"},
			{Action: ActionAbort, Label: "Abort", Emphasis: "danger"},
		}
	default:
		return []Choice{
			{Action: ActionApprove, Label: "Approve", Emphasis: "primary"},
			{Action: ActionReject, Label: "Reject", Emphasis: "danger"},
		}
	}
}

// Request 是一次人工干预请求。
//
// Context 携带干预所需的展示上下文（sql_review 为 {"sql": "...", "tables": [...]}
// 等），Choices 为空时客户端按类型使用 DefaultChoices。
type Request struct {
	RequestID      string           `json:"request_id" gorm:"primaryKey;size:64"`
	WorkflowID     string           `json:"workflow_id" gorm:"index;size:64;not null"`
	ConversationID string           `json:"conversation_id,omitempty" gorm:"index;size:64"`
	Type           InterventionType `json:"intervention_type" gorm:"size:32;not null"`
	Context        map[string]any   `json:"context,omitempty" gorm:"serializer:json"`
	Choices        []Choice         `json:"options,omitempty" gorm:"serializer:json"`
	TimeoutSeconds int              `json:"timeout_seconds" gorm:"not null"`
	Required       bool             `json:"required" gorm:"not null;default:true"`
	Status         Status           `json:"status" gorm:"index;size:16;not null"`
	RequestedAt    time.Time        `json:"requested_at" gorm:"not null"`
	TimeoutAt      time.Time        `json:"timeout_at" gorm:"index;not null"`
	RespondedAt    *time.Time       `json:"responded_at,omitempty"`
	ResponseTimeMs *int64           `json:"response_time_ms,omitempty"`
}

// TableName GORM 表名
func (Request) TableName() string {
	return "hitl_requests"
}

// Clone 返回请求的深拷贝（map/slice 独立）。
func (r *Request) Clone() *Request {
	cp := *r
	if r.Context != nil {
		cp.Context = make(map[string]any, len(r.Context))
		for k, v := range r.Context {
			cp.Context[k] = v
		}
	}
	if r.Choices != nil {
		cp.Choices = append([]Choice(nil), r.Choices...)
	}
	if r.RespondedAt != nil {
		t := *r.RespondedAt
		cp.RespondedAt = &t
	}
	if r.ResponseTimeMs != nil {
		ms := *r.ResponseTimeMs
		cp.ResponseTimeMs = &ms
	}
	return &cp
}

// Response 是用户对干预请求的响应。
type Response struct {
	RequestID   string         `json:"request_id"`
	Action      Action         `json:"action"`
	ModifiedSQL string         `json:"modified_sql,omitempty"`
	Feedback    string         `json:"feedback,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
}

// Resolution 是请求到达终态后交给工作流引擎的结论。
type Resolution struct {
	RequestID  string     `json:"request_id"`
	WorkflowID string     `json:"workflow_id"`
	Status     Status     `json:"status"`
	Response   *Response  `json:"response,omitempty"` // timeout/cancelled 时为 nil
	ResolvedAt time.Time  `json:"resolved_at"`
	Fallback   *Fallback  `json:"fallback,omitempty"` // 仅 timeout 时填充
}

// Proceed 报告工作流是否应继续执行。
// approved/modified 继续；rejected 停止；timeout 取决于 fallback 策略。
func (r *Resolution) Proceed() bool {
	switch r.Status {
	case StatusApproved, StatusModified:
		return true
	case StatusTimeout:
		return r.Fallback != nil && r.Fallback.Proceed
	}
	return false
}

// NewRequestID 生成干预请求 ID。
func NewRequestID() string {
	return "hitl-" + uuid.NewString()
}
