package orchestrator

import (
	"net/http"

	xerrors "HiveMind-Copilot/internal/errors"
)

const (
	// CodePipelineFailed 表示致命步骤失败，流水线中止。
	CodePipelineFailed xerrors.Code = "PIPELINE_FAILED"
	// CodePipelineTimeout 表示步骤因整体超时被放弃。
	CodePipelineTimeout xerrors.Code = "PIPELINE_TIMEOUT"
	// CodeDependencySkipped 表示依赖的步骤没有成功。
	CodeDependencySkipped xerrors.Code = "DEPENDENCY_SKIPPED"
	// CodeCapabilityUnavailable 表示步骤所需的能力未配置。
	CodeCapabilityUnavailable xerrors.Code = "CAPABILITY_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodePipelineFailed, xerrors.Attributes{Message: "pipeline failed", Severity: xerrors.SeverityWarning, Alert: true, HTTPStatus: http.StatusBadGateway})
	xerrors.Register(CodePipelineTimeout, xerrors.Attributes{Message: "pipeline ceiling exceeded", Severity: xerrors.SeverityWarning, HTTPStatus: http.StatusGatewayTimeout})
	xerrors.Register(CodeDependencySkipped, xerrors.Attributes{Message: "dependency did not succeed", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusFailedDependency})
	xerrors.Register(CodeCapabilityUnavailable, xerrors.Attributes{Message: "capability not configured", Severity: xerrors.SeverityWarning, HTTPStatus: http.StatusNotImplemented})
}
