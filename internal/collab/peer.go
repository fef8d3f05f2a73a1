package collab

import (
	"context"
	"encoding/json"

	"HiveMind-Copilot/internal/contracts"
	xerrors "HiveMind-Copilot/internal/errors"
)

// PeerAuditor 返回一个审计代理的 Handler：对请求中的 code 做静态分析，
// 以 {vulnerabilities, severity, recommendations} 格式回复。
func PeerAuditor(auditor contracts.Auditor) Handler {
	return func(ctx context.Context, msg Message) (json.RawMessage, error) {
		var body struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "协作请求格式错误")
		}
		res, err := auditor.Audit(ctx, body.Code)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res.PeerReport())
	}
}
