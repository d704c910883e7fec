package model

import (
	"time"
)

// AuditLog 代表一次完整的操作审计记录
type AuditLog struct {
	ID        string `json:"id" gorm:"primaryKey;type:text"`          // 唯一请求 ID (UUID)
	ClientID  string `json:"client_id" gorm:"index:idx_audit_client"` // 调用方 ID
	Method    string `json:"method"`                                  // HTTP 方法
	Path      string `json:"path"`                                    // 请求路径
	IP        string `json:"ip"`                                      // 客户端 IP
	UserAgent string `json:"user_agent"`                              // 客户端 UA

	// 请求详情
	RequestBody string `json:"request_body"` // 请求体 (脱敏后)

	// 响应详情
	StatusCode   int    `json:"status_code"`   // HTTP 状态码
	ResponseBody string `json:"response_body"` // 响应体 (脱敏后)
	LatencyMs    int64  `json:"latency_ms"`    // 耗时 (毫秒)

	// 业务上下文: primary type, digest, signer address, verification result
	Context map[string]interface{} `json:"context" gorm:"serializer:json;type:jsonb"`

	CreatedAt time.Time `json:"created_at" gorm:"index:idx_audit_client"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
