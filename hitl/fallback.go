package hitl

// Fallback 是超时后应用于工作流的兜底决策。
//
// 破坏性干预类型（写操作、DDL、导出）超时一律按拒绝处理，
// 高成本查询超时则中止整个工作流，只有纯审查类允许配置放行。
type Fallback struct {
	Action  Action `json:"action"`  // 超时视同的动作
	Proceed bool   `json:"proceed"` // 工作流是否继续
	Abort   bool   `json:"abort"`   // 是否中止整个工作流
}

// FallbackPolicy 按干预类型给出超时兜底决策。
type FallbackPolicy interface {
	OnTimeout(t InterventionType, required bool) Fallback
}

// DefaultFallbackPolicy 默认策略表。
type DefaultFallbackPolicy struct {
	// ApproveOptionalReviews 为 true 时，非必需的 sql_review
	// 超时视同批准（适合低风险只读环境）。
	ApproveOptionalReviews bool
}

// OnTimeout 返回超时兜底决策。
func (p *DefaultFallbackPolicy) OnTimeout(t InterventionType, required bool) Fallback {
	switch t {
	case TypeDataModification, TypeSchemaChange, TypeExportApproval:
		// 破坏性操作：超时必须拒绝
		return Fallback{Action: ActionReject, Proceed: false}
	case TypeHighCostQuery:
		// 高成本查询：超时中止工作流，避免无人值守烧钱
		return Fallback{Action: ActionAbort, Proceed: false, Abort: true}
	case TypeSQLReview:
		if !required && p.ApproveOptionalReviews {
			return Fallback{Action: ActionApprove, Proceed: true}
		}
		return Fallback{Action: ActionReject, Proceed: false}
	default:
		return Fallback{Action: ActionReject, Proceed: false}
	}
}
